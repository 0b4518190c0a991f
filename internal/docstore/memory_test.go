package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestMemory(opts ...MemoryOption) *Memory {
	opts = append([]MemoryOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewMemory(opts...)
}

func TestMemory_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	ref := Doc("users", "u1")

	require.NoError(t, m.Create(ctx, ref, Data{"name": "Анна", "count": 1}))

	snap, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "Анна", snap.Data["name"])
	assert.Equal(t, float64(1), snap.Data["count"])
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, fixedNow, snap.CreatedAt)

	err = m.Create(ctx, ref, Data{"name": "Борис"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = m.Get(ctx, Doc("users", "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SetAndUpdateSentinels(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	ref := Doc("ledger", "u1")

	require.NoError(t, m.Set(ctx, ref, Data{
		"points": 5,
		"tags":   []any{"a"},
		"nested": map[string]any{"x": 1},
		"stale":  true,
	}))
	require.NoError(t, m.Set(ctx, ref, Data{"nested": map[string]any{"y": 2}}, Merge))
	require.NoError(t, m.Update(ctx, ref,
		Update{Path: "points", Value: Increment(3)},
		Update{Path: "tags", Value: ArrayUnion("b", "a")},
		Update{Path: "stale", Value: DeleteField},
		Update{Path: "progress.lastMarkedDate", Value: "2024-03-10"},
		Update{Path: "updatedAt", Value: ServerTimestamp},
	))

	snap, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, float64(8), snap.Data["points"])
	assert.Equal(t, []any{"a", "b"}, snap.Data["tags"])
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, snap.Data["nested"])
	assert.NotContains(t, snap.Data, "stale")
	assert.Equal(t, FormatTime(fixedNow), snap.Data["updatedAt"])
	v, ok := Lookup(snap.Data, "progress.lastMarkedDate")
	assert.True(t, ok)
	assert.Equal(t, "2024-03-10", v)
	assert.Equal(t, int64(3), snap.Version)

	require.NoError(t, m.Update(ctx, ref, Update{Path: "tags", Value: ArrayRemove("a")}))
	snap, err = m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, snap.Data["tags"])

	err = m.Update(ctx, Doc("ledger", "missing"), Update{Path: "points", Value: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Query(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	docs := map[string]Data{
		"i1": {"status": "pending", "senderId": "a", "createdAt": "2024-03-01"},
		"i2": {"status": "pending", "senderId": "a", "createdAt": "2024-03-03"},
		"i3": {"status": "accepted", "senderId": "a", "createdAt": "2024-03-02"},
		"i4": {"status": "pending", "senderId": "b"},
	}
	for id, d := range docs {
		require.NoError(t, m.Create(ctx, Doc("invitations", id), d))
	}

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{
			name:  "фильтр по равенству",
			query: NewQuery("invitations").Where("status", OpEqual, "pending"),
			want:  []string{"i1", "i2", "i4"},
		},
		{
			name:  "сортировка по убыванию, документы без поля в конце",
			query: NewQuery("invitations").OrderByField("createdAt", Desc),
			want:  []string{"i2", "i3", "i1", "i4"},
		},
		{
			name:  "больше или равно",
			query: NewQuery("invitations").Where("createdAt", OpGreaterOrEqual, "2024-03-02"),
			want:  []string{"i2", "i3"},
		},
		{
			name:  "лимит",
			query: NewQuery("invitations").OrderByField("createdAt", Asc).WithLimit(2),
			want:  []string{"i1", "i3"},
		},
		{
			name:  "отсутствующее поле равно null",
			query: NewQuery("invitations").Where("createdAt", OpEqual, nil),
			want:  []string{"i4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps, err := m.Query(ctx, tt.query)
			require.NoError(t, err)
			var ids []string
			for _, s := range snaps {
				ids = append(ids, s.Ref.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	n, err := m.Count(ctx, NewQuery("invitations").Where("senderId", OpEqual, "a"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMemory_StrictIndexes(t *testing.T) {
	ctx := context.Background()
	q := NewQuery("invitations").Where("status", OpEqual, "pending").OrderByField("createdAt", Asc)

	m := newTestMemory(WithStrictIndexes())
	_, err := m.Query(ctx, q)
	assert.ErrorIs(t, err, ErrIndexRequired)

	_, err = m.Query(ctx, NewQuery("invitations").Where("status", OpEqual, "pending"))
	assert.NoError(t, err)

	indexed := newTestMemory(WithStrictIndexes(Index{
		Collection: "invitations",
		Fields:     []string{"status"},
		OrderBy:    "createdAt",
	}))
	_, err = indexed.Query(ctx, q)
	assert.NoError(t, err)
}

func TestMemory_TransactionNoPartialWrites(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()

	err := m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Create(Doc("users", "a"), Data{"x": 1}); err != nil {
			return err
		}
		return tx.Update(Doc("users", "missing"), Update{Path: "x", Value: 2})
	})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get(ctx, Doc("users", "a"))
	assert.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("boom")
	err = m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		_ = tx.Create(Doc("users", "b"), Data{})
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = m.Get(ctx, Doc("users", "b"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_TransactionConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(WithMaxAttempts(200))
	ref := Doc("counters", "c")
	require.NoError(t, m.Create(ctx, ref, Data{"n": 0}))

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
				snap, err := tx.Get(ctx, ref)
				if err != nil {
					return err
				}
				n, _ := snap.Data["n"].(float64)
				return tx.Set(ref, Data{"n": n + 1})
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, float64(workers), snap.Data["n"])
}

func TestMemory_TransactionAbortedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(WithMaxAttempts(3))
	ref := Doc("counters", "c")
	require.NoError(t, m.Create(ctx, ref, Data{"n": 0}))

	attempts := 0
	err := m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		attempts++
		if _, err := tx.Get(ctx, ref); err != nil {
			return err
		}
		// конкурирующая запись после чтения
		if err := m.Update(ctx, ref, Update{Path: "n", Value: Increment(1)}); err != nil {
			return err
		}
		return tx.Update(ref, Update{Path: "n", Value: 100})
	})
	assert.ErrorIs(t, err, ErrTxAborted)
	assert.Equal(t, 3, attempts)
}

func TestMemory_TransactionRetriesOnPhantom(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory()
	q := NewQuery("users").Where("referredBy", OpEqual, "r")
	require.NoError(t, m.Create(ctx, Doc("users", "a"), Data{"referredBy": "r"}))

	attempts := 0
	var counted int
	err := m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		attempts++
		n, err := tx.Count(ctx, q)
		if err != nil {
			return err
		}
		counted = n
		if attempts == 1 {
			if err := m.Create(ctx, Doc("users", "b"), Data{"referredBy": "r"}); err != nil {
				return err
			}
		}
		return tx.Set(Doc("ledger", "r"), Data{"count": n})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, counted)
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(changes []Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, changes...)
}

func (l *changeLog) types() []ChangeType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ChangeType, 0, len(l.changes))
	for _, c := range l.changes {
		out = append(out, c.Type)
	}
	return out
}

func TestMemory_Subscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newTestMemory()
	require.NoError(t, m.Create(ctx, Doc("invitations", "i1"), Data{"status": "pending"}))

	log := &changeLog{}
	sub, err := m.Subscribe(ctx, NewQuery("invitations").Where("status", OpEqual, "pending"), log.add, nil)
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, m.Update(ctx, Doc("invitations", "i1"), Update{Path: "note", Value: "x"}))
	require.NoError(t, m.Update(ctx, Doc("invitations", "i1"), Update{Path: "status", Value: "accepted"}))
	require.NoError(t, m.Create(ctx, Doc("other", "o1"), Data{"status": "pending"}))

	want := []ChangeType{ChangeAdded, ChangeModified, ChangeRemoved}
	require.Eventually(t, func() bool {
		return len(log.types()) == len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, log.types())
}

func TestMemory_SubscribeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := newTestMemory()
	log := &changeLog{}
	_, err := m.Subscribe(ctx, NewQuery("invitations"), log.add, nil)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Create(context.Background(), Doc("invitations", "i1"), Data{}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, log.types())
}

func TestMemory_Close(t *testing.T) {
	m := newTestMemory()
	var gotErr error
	var mu sync.Mutex
	_, err := m.Subscribe(context.Background(), NewQuery("x"), func([]Change) {}, func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	mu.Lock()
	assert.ErrorIs(t, gotErr, ErrClosed)
	mu.Unlock()

	_, err = m.Get(context.Background(), Doc("x", "1"))
	assert.ErrorIs(t, err, ErrClosed)
}
