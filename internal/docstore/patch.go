package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// TimeLayout формат хранения меток времени. Фиксированная ширина сохраняет
// лексикографический порядок, на который опираются сортировки бэкендов.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime приводит время к формату хранения
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type serverTimestamp struct{}

// ServerTimestamp маркер: подставить время фиксации транзакции
var ServerTimestamp = serverTimestamp{}

type deleteField struct{}

// DeleteField маркер: удалить поле
var DeleteField = deleteField{}

type increment struct{ delta float64 }

// Increment прибавляет delta к числовому полю
func Increment(delta int) any {
	return increment{delta: float64(delta)}
}

type arrayUnion struct{ values []any }

// ArrayUnion добавляет в массив отсутствующие в нем значения
func ArrayUnion(values ...any) any {
	return arrayUnion{values: values}
}

type arrayRemove struct{ values []any }

// ArrayRemove удаляет из массива все вхождения значений
func ArrayRemove(values ...any) any {
	return arrayRemove{values: values}
}

// Update изменение одного поля; Path может содержать точки
type Update struct {
	Path  string
	Value any
}

// applySet вычисляет новое содержимое документа для Set
func applySet(current Data, exists bool, data Data, merge bool, now time.Time) (Data, error) {
	var base map[string]any
	if merge && exists {
		base = deepCopyMap(current)
	} else {
		base = make(map[string]any)
	}
	if err := mergeInto(base, data, now); err != nil {
		return nil, err
	}
	return canonicalData(base)
}

func mergeInto(dst map[string]any, src map[string]any, now time.Time) error {
	for key, value := range src {
		if nested, ok := asMap(value); ok {
			if existing, ok := asMap(dst[key]); ok {
				child := deepCopyMap(existing)
				if err := mergeInto(child, nested, now); err != nil {
					return err
				}
				dst[key] = child
				continue
			}
			child := make(map[string]any)
			if err := mergeInto(child, nested, now); err != nil {
				return err
			}
			dst[key] = child
			continue
		}
		current, exists := dst[key]
		resolved, remove, err := resolveValue(current, exists, value, now)
		if err != nil {
			return fmt.Errorf("поле %s: %w", key, err)
		}
		if remove {
			delete(dst, key)
			continue
		}
		dst[key] = resolved
	}
	return nil
}

// applyUpdates вычисляет новое содержимое документа для Update
func applyUpdates(current Data, updates []Update, now time.Time) (Data, error) {
	doc := deepCopyMap(current)
	for _, u := range updates {
		if u.Path == "" {
			return nil, fmt.Errorf("пустой путь обновления")
		}
		parts := strings.Split(u.Path, ".")
		parent := doc
		for _, part := range parts[:len(parts)-1] {
			child, ok := asMap(parent[part])
			if !ok {
				child = make(map[string]any)
			}
			parent[part] = child
			parent = child
		}
		leaf := parts[len(parts)-1]
		cur, exists := parent[leaf]
		resolved, remove, err := resolveValue(cur, exists, u.Value, now)
		if err != nil {
			return nil, fmt.Errorf("поле %s: %w", u.Path, err)
		}
		if remove {
			delete(parent, leaf)
			continue
		}
		parent[leaf] = resolved
	}
	return canonicalData(doc)
}

func resolveValue(current any, exists bool, value any, now time.Time) (any, bool, error) {
	switch v := value.(type) {
	case serverTimestamp:
		return FormatTime(now), false, nil
	case deleteField:
		return nil, true, nil
	case increment:
		base, _ := current.(float64)
		return base + v.delta, false, nil
	case arrayUnion:
		arr, _ := asSlice(current)
		out := append([]any(nil), arr...)
		for _, raw := range v.values {
			item, err := canonical(raw)
			if err != nil {
				return nil, false, err
			}
			if !containsValue(out, item) {
				out = append(out, item)
			}
		}
		return out, false, nil
	case arrayRemove:
		arr, _ := asSlice(current)
		removals := make([]any, 0, len(v.values))
		for _, raw := range v.values {
			item, err := canonical(raw)
			if err != nil {
				return nil, false, err
			}
			removals = append(removals, item)
		}
		out := make([]any, 0, len(arr))
		for _, item := range arr {
			if !containsValue(removals, item) {
				out = append(out, item)
			}
		}
		return out, false, nil
	default:
		return value, false, nil
	}
}

// canonical приводит значение к JSON-представлению: числа float64,
// массивы []any, объекты map[string]any, время в TimeLayout.
func canonical(v any) (any, error) {
	prepared := prepareTimes(v)
	raw, err := json.Marshal(prepared)
	if err != nil {
		return nil, fmt.Errorf("значение не сериализуется: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func canonicalData(d map[string]any) (Data, error) {
	out, err := canonical(d)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return Data{}, nil
	}
	return Data(m), nil
}

func prepareTimes(v any) any {
	switch t := v.(type) {
	case time.Time:
		return FormatTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return FormatTime(*t)
	case Data:
		return prepareTimes(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = prepareTimes(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = prepareTimes(item)
		}
		return out
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Data:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// compareValues сравнивает числа или строки
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	default:
		return 0, false
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case Data:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
