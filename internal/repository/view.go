package repository

import (
	"sync"
	"sync/atomic"
)

// view holds the latest derived snapshot and fans it out to watchers. The
// slice behind current is never modified after it is stored.
type view[T any] struct {
	current atomic.Pointer[[]T]

	mu       sync.Mutex
	watchers map[chan []T]struct{}
	closed   bool
}

func newView[T any]() *view[T] {
	v := &view[T]{watchers: make(map[chan []T]struct{})}
	empty := []T{}
	v.current.Store(&empty)
	return v
}

func (v *view[T]) snapshot() []T {
	cur := *v.current.Load()
	out := make([]T, len(cur))
	copy(out, cur)
	return out
}

// replace swaps in items and offers them to every watcher. A watcher that
// has not consumed the previous snapshot gets it replaced by this one.
func (v *view[T]) replace(items []T) {
	v.current.Store(&items)

	v.mu.Lock()
	defer v.mu.Unlock()
	for ch := range v.watchers {
		offerLatest(ch, v.copyOf(items))
	}
}

func (v *view[T]) copyOf(items []T) []T {
	out := make([]T, len(items))
	copy(out, items)
	return out
}

// watch returns a channel primed with the current snapshot. The stop
// function closes the channel and is safe to call more than once.
func (v *view[T]) watch() (<-chan []T, func()) {
	ch := make(chan []T, 1)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	ch <- v.snapshot()
	v.watchers[ch] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if _, ok := v.watchers[ch]; ok {
				delete(v.watchers, ch)
				close(ch)
			}
		})
	}
}

func (v *view[T]) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for ch := range v.watchers {
		close(ch)
		delete(v.watchers, ch)
	}
}

func offerLatest[T any](ch chan []T, items []T) {
	for {
		select {
		case ch <- items:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
