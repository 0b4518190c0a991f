package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var errStaleRead = errors.New("прочитанные данные устарели")

// Index составной индекс для режима строгих индексов
type Index struct {
	Collection string
	Fields     []string
	OrderBy    string
}

func (i Index) key() string {
	q := Query{Collection: i.Collection, OrderBy: i.OrderBy}
	for _, f := range i.Fields {
		q.Filters = append(q.Filters, Filter{Field: f})
	}
	return q.indexKey()
}

// MemoryOption настройка хранилища в памяти
type MemoryOption func(*Memory)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithMaxAttempts задает число попыток транзакции
func WithMaxAttempts(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithStrictIndexes включает проверку составных индексов: запросы с
// сортировкой и фильтром по другому полю без объявленного индекса
// завершаются ErrIndexRequired.
func WithStrictIndexes(indexes ...Index) MemoryOption {
	return func(m *Memory) {
		m.strict = true
		for _, idx := range indexes {
			m.indexes[idx.key()] = struct{}{}
		}
	}
}

// Memory хранилище в памяти с оптимистичными транзакциями.
// Используется в тестах и локальной разработке.
type Memory struct {
	mu          sync.RWMutex
	docs        map[string]*memDoc
	subs        map[uint64]*memSub
	nextSub     uint64
	now         func() time.Time
	maxAttempts int
	strict      bool
	indexes     map[string]struct{}
	closed      bool
}

type memDoc struct {
	ref       Ref
	data      Data
	version   int64
	createdAt time.Time
	updatedAt time.Time
}

func (d *memDoc) snapshot() *Snapshot {
	return &Snapshot{
		Ref:       d.ref,
		Data:      Data(deepCopyMap(d.data)),
		Version:   d.version,
		CreatedAt: d.createdAt,
		UpdatedAt: d.updatedAt,
	}
}

// NewMemory создает хранилище в памяти
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		docs:        make(map[string]*memDoc),
		subs:        make(map[uint64]*memSub),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		indexes:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) checkIndex(q Query) error {
	if !m.strict || !q.needsCompositeIndex() {
		return nil
	}
	if _, ok := m.indexes[q.indexKey()]; ok {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIndexRequired, q.indexKey())
}

// Get читает документ
func (m *Memory) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	doc, ok := m.docs[ref.Path()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.Path(), ErrNotFound)
	}
	return doc.snapshot(), nil
}

// Query выполняет запрос
func (m *Memory) Query(ctx context.Context, q Query) ([]*Snapshot, error) {
	if err := m.checkIndex(q); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return applyLimit(m.matchLocked(q), q.Limit), nil
}

// Count возвращает количество документов, удовлетворяющих запросу
func (m *Memory) Count(ctx context.Context, q Query) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	q.OrderBy = ""
	return len(m.matchLocked(q)), nil
}

func (m *Memory) matchLocked(q Query) []*Snapshot {
	var out []*Snapshot
	for _, doc := range m.docs {
		if doc.ref.Collection != q.Collection {
			continue
		}
		if q.Matches(doc.data) {
			out = append(out, doc.snapshot())
		}
	}
	sortSnapshots(out, q)
	return out
}

func (m *Memory) fingerprintLocked(q Query) string {
	q.Limit = 0
	snaps := m.matchLocked(q)
	parts := make([]string, 0, len(snaps))
	for _, s := range snaps {
		parts = append(parts, fmt.Sprintf("%s@%d", s.Ref.ID, s.Version))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Create создает документ, если его еще нет
func (m *Memory) Create(ctx context.Context, ref Ref, data Data) error {
	return createViaTx(ctx, m, ref, data)
}

// Set записывает документ
func (m *Memory) Set(ctx context.Context, ref Ref, data Data, opts ...SetOption) error {
	return setViaTx(ctx, m, ref, data, opts)
}

// Update изменяет поля существующего документа
func (m *Memory) Update(ctx context.Context, ref Ref, updates ...Update) error {
	return updateViaTx(ctx, m, ref, updates)
}

// Delete удаляет документ
func (m *Memory) Delete(ctx context.Context, ref Ref) error {
	return deleteViaTx(ctx, m, ref)
}

// RunTransaction выполняет fn атомарно. При изменении прочитанных документов
// другим писателем fn перезапускается; после maxAttempts возвращается ErrTxAborted.
func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memTx{m: m, reads: make(map[string]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := m.commit(tx)
		if errors.Is(err, errStaleRead) {
			continue
		}
		return err
	}
	return ErrTxAborted
}

type writeKind int

const (
	writeCreate writeKind = iota
	writeSet
	writeUpdate
	writeDelete
)

type pendingWrite struct {
	kind    writeKind
	ref     Ref
	data    Data
	merge   bool
	updates []Update
}

type memQueryRead struct {
	query       Query
	fingerprint string
}

type memTx struct {
	m       *Memory
	reads   map[string]int64
	queries []memQueryRead
	writes  []pendingWrite
}

func (tx *memTx) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	if tx.m.closed {
		return nil, ErrClosed
	}
	doc, ok := tx.m.docs[ref.Path()]
	var version int64
	if ok {
		version = doc.version
	}
	if _, seen := tx.reads[ref.Path()]; !seen {
		tx.reads[ref.Path()] = version
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.Path(), ErrNotFound)
	}
	return doc.snapshot(), nil
}

func (tx *memTx) Query(ctx context.Context, q Query) ([]*Snapshot, error) {
	if err := tx.m.checkIndex(q); err != nil {
		return nil, err
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	tx.queries = append(tx.queries, memQueryRead{query: q, fingerprint: tx.m.fingerprintLocked(q)})
	return applyLimit(tx.m.matchLocked(q), q.Limit), nil
}

func (tx *memTx) Count(ctx context.Context, q Query) (int, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	q.OrderBy = ""
	tx.queries = append(tx.queries, memQueryRead{query: q, fingerprint: tx.m.fingerprintLocked(q)})
	return len(tx.m.matchLocked(q)), nil
}

func (tx *memTx) Create(ref Ref, data Data) error {
	tx.writes = append(tx.writes, pendingWrite{kind: writeCreate, ref: ref, data: data})
	return nil
}

func (tx *memTx) Set(ref Ref, data Data, opts ...SetOption) error {
	tx.writes = append(tx.writes, pendingWrite{kind: writeSet, ref: ref, data: data, merge: hasMerge(opts)})
	return nil
}

func (tx *memTx) Update(ref Ref, updates ...Update) error {
	tx.writes = append(tx.writes, pendingWrite{kind: writeUpdate, ref: ref, updates: updates})
	return nil
}

func (tx *memTx) Delete(ref Ref) error {
	tx.writes = append(tx.writes, pendingWrite{kind: writeDelete, ref: ref})
	return nil
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for key, version := range tx.reads {
		var current int64
		if doc, ok := m.docs[key]; ok {
			current = doc.version
		}
		if current != version {
			return errStaleRead
		}
	}
	for _, qr := range tx.queries {
		if m.fingerprintLocked(qr.query) != qr.fingerprint {
			return errStaleRead
		}
	}
	if len(tx.writes) == 0 {
		return nil
	}

	now := m.now().UTC()
	staged := make(map[string]*memDoc)
	deleted := make(map[string]bool)
	var order []Ref

	lookup := func(key string) (*memDoc, bool) {
		if deleted[key] {
			return nil, false
		}
		if doc, ok := staged[key]; ok {
			return doc, true
		}
		doc, ok := m.docs[key]
		return doc, ok
	}

	for _, w := range tx.writes {
		key := w.ref.Path()
		current, exists := lookup(key)
		var (
			data Data
			err  error
		)
		switch w.kind {
		case writeCreate:
			if exists {
				return fmt.Errorf("%s: %w", key, ErrAlreadyExists)
			}
			data, err = applySet(nil, false, w.data, false, now)
		case writeSet:
			var cur Data
			if exists {
				cur = current.data
			}
			data, err = applySet(cur, exists, w.data, w.merge, now)
		case writeUpdate:
			if !exists {
				return fmt.Errorf("%s: %w", key, ErrNotFound)
			}
			data, err = applyUpdates(current.data, w.updates, now)
		case writeDelete:
			if exists {
				deleted[key] = true
				delete(staged, key)
				order = append(order, w.ref)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		next := &memDoc{ref: w.ref, data: data, createdAt: now, updatedAt: now, version: 1}
		if exists {
			next.createdAt = current.createdAt
			next.version = current.version + 1
		} else if old, ok := m.docs[key]; ok {
			// документ удален и создан заново в той же транзакции
			next.version = old.version + 1
		}
		delete(deleted, key)
		staged[key] = next
		order = append(order, w.ref)
	}

	for key := range deleted {
		delete(m.docs, key)
	}
	for key, doc := range staged {
		m.docs[key] = doc
	}

	m.notifyLocked(order)
	return nil
}

func (m *Memory) notifyLocked(refs []Ref) {
	if len(m.subs) == 0 {
		return
	}
	seen := make(map[string]bool)
	unique := make([]Ref, 0, len(refs))
	for _, ref := range refs {
		if !seen[ref.Path()] {
			seen[ref.Path()] = true
			unique = append(unique, ref)
		}
	}
	for _, sub := range m.subs {
		var changes []Change
		for _, ref := range unique {
			var snap *Snapshot
			if doc, ok := m.docs[ref.Path()]; ok {
				snap = doc.snapshot()
			}
			if change, ok := sub.tracker.observe(ref, snap); ok {
				changes = append(changes, change)
			}
		}
		sub.feed.push(changes)
	}
}

type memSub struct {
	m       *Memory
	id      uint64
	tracker *tracker
	feed    *feed
	onError func(error)
	once    sync.Once
}

func (s *memSub) Stop() {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs, s.id)
		s.m.mu.Unlock()
		s.feed.stop()
	})
}

// Subscribe подписывается на изменения результата запроса
func (m *Memory) Subscribe(ctx context.Context, q Query, onChange func([]Change), onError func(error)) (Subscription, error) {
	if err := m.checkIndex(q); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextSub++
	sub := &memSub{
		m:       m,
		id:      m.nextSub,
		tracker: newTracker(q),
		feed:    newFeed(onChange),
		onError: onError,
	}
	var initial []Change
	for _, snap := range m.matchLocked(q) {
		if change, ok := sub.tracker.observe(snap.Ref, snap); ok {
			initial = append(initial, change)
		}
	}
	sub.feed.push(initial)
	m.subs[sub.id] = sub
	m.mu.Unlock()

	context.AfterFunc(ctx, sub.Stop)
	return sub, nil
}

// Close закрывает хранилище и завершает подписки
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memSub, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.onError != nil {
			sub.onError(ErrClosed)
		}
		sub.Stop()
	}
	return nil
}
