package docstore

import (
	"sync"
)

// tracker классифицирует изменения документа относительно результата запроса
type tracker struct {
	query Query
	known map[string]bool
}

func newTracker(q Query) *tracker {
	return &tracker{query: q, known: make(map[string]bool)}
}

// observe принимает новое состояние документа (nil, если удален)
func (t *tracker) observe(ref Ref, snap *Snapshot) (Change, bool) {
	if ref.Collection != t.query.Collection {
		return Change{}, false
	}
	matches := snap != nil && t.query.Matches(snap.Data)
	was := t.known[ref.ID]
	switch {
	case matches && !was:
		t.known[ref.ID] = true
		return Change{Type: ChangeAdded, Ref: ref, Doc: snap}, true
	case matches && was:
		return Change{Type: ChangeModified, Ref: ref, Doc: snap}, true
	case !matches && was:
		delete(t.known, ref.ID)
		return Change{Type: ChangeRemoved, Ref: ref, Doc: snap}, true
	default:
		return Change{}, false
	}
}

// feed последовательно доставляет пакеты изменений в обработчик подписки,
// не блокируя пишущую сторону
type feed struct {
	mu       sync.Mutex
	queue    [][]Change
	wake     chan struct{}
	done     chan struct{}
	onChange func([]Change)
	stopOnce sync.Once
}

func newFeed(onChange func([]Change)) *feed {
	f := &feed{
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		onChange: onChange,
	}
	go f.run()
	return f
}

func (f *feed) push(changes []Change) {
	if len(changes) == 0 {
		return
	}
	f.mu.Lock()
	f.queue = append(f.queue, changes)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feed) stop() {
	f.stopOnce.Do(func() { close(f.done) })
}

func (f *feed) run() {
	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
		}
		for {
			f.mu.Lock()
			batches := f.queue
			f.queue = nil
			f.mu.Unlock()
			if len(batches) == 0 {
				break
			}
			for _, batch := range batches {
				select {
				case <-f.done:
					return
				default:
				}
				f.onChange(batch)
			}
		}
	}
}
