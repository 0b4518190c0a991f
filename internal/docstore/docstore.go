// Package docstore описывает возможности транзакционного документного хранилища,
// на которое опирается движок приглашений и наград: атомарные транзакции
// чтение-изменение-запись, подписки на изменения и серверные метки времени.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("документ не найден")
	ErrAlreadyExists = errors.New("документ уже существует")
	ErrTxAborted     = errors.New("транзакция прервана после исчерпания попыток")
	ErrIndexRequired = errors.New("для запроса требуется составной индекс")
	ErrClosed        = errors.New("хранилище закрыто")
)

// DefaultMaxAttempts количество попыток транзакции при конфликте
const DefaultMaxAttempts = 5

// Data содержимое документа
type Data map[string]any

// Ref ссылка на документ в коллекции
type Ref struct {
	Collection string
	ID         string
}

// Doc создает ссылку на документ
func Doc(collection, id string) Ref {
	return Ref{Collection: collection, ID: id}
}

// Path возвращает путь документа вида collection/id
func (r Ref) Path() string {
	return r.Collection + "/" + r.ID
}

// Snapshot зафиксированное состояние документа
type Snapshot struct {
	Ref       Ref
	Data      Data
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DataTo декодирует содержимое документа в структуру
func (s *Snapshot) DataTo(v any) error {
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("ошибка кодирования документа %s: %w", s.Ref.Path(), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("ошибка декодирования документа %s: %w", s.Ref.Path(), err)
	}
	return nil
}

// Op оператор фильтра
type Op string

const (
	OpEqual          Op = "=="
	OpGreaterOrEqual Op = ">="
)

// Filter условие запроса
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Direction направление сортировки
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Query запрос к коллекции
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Direction  Direction
	Limit      int
}

// NewQuery создает запрос к коллекции
func NewQuery(collection string) Query {
	return Query{Collection: collection}
}

// Where добавляет условие, не изменяя исходный запрос
func (q Query) Where(field string, op Op, value any) Query {
	filters := make([]Filter, 0, len(q.Filters)+1)
	filters = append(filters, q.Filters...)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// OrderByField задает сортировку
func (q Query) OrderByField(field string, dir Direction) Query {
	q.OrderBy = field
	q.Direction = dir
	return q
}

// WithLimit ограничивает количество результатов
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Matches проверяет документ на соответствие всем условиям запроса.
// Отсутствующее поле эквивалентно null.
func (q Query) Matches(d Data) bool {
	for _, f := range q.Filters {
		actual, _ := Lookup(d, f.Field)
		expected, err := canonical(f.Value)
		if err != nil {
			return false
		}
		switch f.Op {
		case OpEqual:
			if !valuesEqual(actual, expected) {
				return false
			}
		case OpGreaterOrEqual:
			cmp, ok := compareValues(actual, expected)
			if !ok || cmp < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// needsCompositeIndex сообщает, требует ли запрос составного индекса:
// сортировка по одному полю при фильтре по другому.
func (q Query) needsCompositeIndex() bool {
	if q.OrderBy == "" {
		return false
	}
	for _, f := range q.Filters {
		if f.Field != q.OrderBy {
			return true
		}
	}
	return false
}

func (q Query) indexKey() string {
	fields := make([]string, 0, len(q.Filters))
	seen := make(map[string]bool)
	for _, f := range q.Filters {
		if !seen[f.Field] {
			seen[f.Field] = true
			fields = append(fields, f.Field)
		}
	}
	sort.Strings(fields)
	return q.Collection + "|" + strings.Join(fields, ",") + "|" + q.OrderBy
}

// Lookup возвращает значение по пути с точками (progress.lastMarkedDate)
func Lookup(d Data, path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ChangeType тип изменения в подписке
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change изменение результата подписки. Doc равен nil для удаленных документов.
type Change struct {
	Type ChangeType
	Ref  Ref
	Doc  *Snapshot
}

// SetOption опция записи Set
type SetOption int

// Merge объединяет переданные поля с существующим документом
const Merge SetOption = 1

func hasMerge(opts []SetOption) bool {
	for _, o := range opts {
		if o == Merge {
			return true
		}
	}
	return false
}

// Tx транзакция. Все чтения выполняются до записей, записи применяются
// атомарно при фиксации; при конфликте функция транзакции перезапускается.
type Tx interface {
	Get(ctx context.Context, ref Ref) (*Snapshot, error)
	Query(ctx context.Context, q Query) ([]*Snapshot, error)
	Count(ctx context.Context, q Query) (int, error)
	Create(ref Ref, data Data) error
	Set(ref Ref, data Data, opts ...SetOption) error
	Update(ref Ref, updates ...Update) error
	Delete(ref Ref) error
}

// Subscription активная подписка
type Subscription interface {
	Stop()
}

// Store возможности документного хранилища
type Store interface {
	Get(ctx context.Context, ref Ref) (*Snapshot, error)
	Query(ctx context.Context, q Query) ([]*Snapshot, error)
	Count(ctx context.Context, q Query) (int, error)
	Create(ctx context.Context, ref Ref, data Data) error
	Set(ctx context.Context, ref Ref, data Data, opts ...SetOption) error
	Update(ctx context.Context, ref Ref, updates ...Update) error
	Delete(ctx context.Context, ref Ref) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Subscribe сначала доставляет текущие документы как ChangeAdded,
	// затем последующие изменения. Ошибка построения запроса возвращается сразу,
	// ошибки во время работы подписки передаются в onError.
	Subscribe(ctx context.Context, q Query, onChange func([]Change), onError func(error)) (Subscription, error)
	Close() error
}

// txRunner общая часть бэкендов для одиночных записей через транзакцию
type txRunner interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

func createViaTx(ctx context.Context, s txRunner, ref Ref, data Data) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Create(ref, data)
	})
}

func setViaTx(ctx context.Context, s txRunner, ref Ref, data Data, opts []SetOption) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(ref, data, opts...)
	})
}

func updateViaTx(ctx context.Context, s txRunner, ref Ref, updates []Update) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Update(ref, updates...)
	})
}

func deleteViaTx(ctx context.Context, s txRunner, ref Ref) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Delete(ref)
	})
}

// sortSnapshots сортирует результаты по полю запроса, затем по id
func sortSnapshots(snaps []*Snapshot, q Query) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if q.OrderBy != "" {
			a, aok := Lookup(snaps[i].Data, q.OrderBy)
			b, bok := Lookup(snaps[j].Data, q.OrderBy)
			if aok != bok {
				// документы без поля в конце
				return aok
			}
			if cmp, ok := compareValues(a, b); ok && cmp != 0 {
				if q.Direction == Desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return snaps[i].Ref.ID < snaps[j].Ref.ID
	})
}

func applyLimit(snaps []*Snapshot, limit int) []*Snapshot {
	if limit > 0 && len(snaps) > limit {
		return snaps[:limit]
	}
	return snaps
}
