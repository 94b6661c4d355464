package store

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

type readFunc func(ctx context.Context, p Path) (Snapshot, error)

// hub fans mutations out to subscriptions. Each subscription owns a goroutine
// that re-reads its path and invokes the callback, so one subscription's
// callbacks are serialized while different subscriptions run independently.
// Pending notifications coalesce: every delivery is a full snapshot, so one
// re-read covers any number of mutations that happened before it.
type hub struct {
	read   readFunc
	poll   time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	path   Path
	fn     func(Snapshot)
	signal chan struct{}
	closed atomic.Bool

	// deliverMu serializes callback invocations and guards last.
	deliverMu sync.Mutex
	last      Snapshot
}

func newHub(read readFunc, o options) *hub {
	return &hub{
		read:   read,
		poll:   o.pollInterval,
		logger: o.logger,
		subs:   make(map[*subscription]struct{}),
	}
}

func (h *hub) subscribe(ctx context.Context, raw string, fn func(Snapshot)) (func(), error) {
	if fn == nil {
		return nil, errors.New("store: onChange must not be nil")
	}
	p, err := ParsePath(raw)
	if err != nil {
		return nil, err
	}

	s := &subscription{path: p, fn: fn, signal: make(chan struct{}, 1)}
	subCtx, cancel := context.WithCancel(ctx)

	// Register before the initial read so a mutation racing with it still
	// triggers a refresh once the worker starts.
	s.deliverMu.Lock()
	h.add(s)
	snap, err := h.read(ctx, p)
	if err != nil {
		s.deliverMu.Unlock()
		h.remove(s)
		cancel()
		return nil, err
	}
	s.last = snap
	fn(snap.Clone())
	s.deliverMu.Unlock()

	go h.run(subCtx, s)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.closed.Store(true)
			cancel()
			h.remove(s)
		})
	}, nil
}

func (h *hub) run(ctx context.Context, s *subscription) {
	defer func() {
		s.closed.Store(true)
		h.remove(s)
	}()

	var tick <-chan time.Time
	if h.poll > 0 {
		t := time.NewTicker(h.poll)
		defer t.Stop()
		tick = t.C
	}

	for {
		force := true
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		case <-tick:
			force = false
		}

		snap, err := h.read(ctx, s.path)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("store: refresh subscription", "path", s.path.String(), "err", err)
			continue
		}
		h.deliver(ctx, s, snap, force)
	}
}

func (h *hub) deliver(ctx context.Context, s *subscription, snap Snapshot, force bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	// A read that finished after unsubscription is discarded.
	if s.closed.Load() || ctx.Err() != nil {
		return
	}
	if !force && reflect.DeepEqual(s.last, snap) {
		return
	}
	s.last = snap
	s.fn(snap.Clone())
}

// notify schedules a refresh for every subscription whose path overlaps p.
func (h *hub) notify(p Path) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		if !overlaps(s.path, p) {
			continue
		}
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

func (h *hub) add(s *subscription) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(s *subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// overlaps reports whether a mutation at b is visible to a subscriber of a.
func overlaps(a, b Path) bool {
	if a.Collection != b.Collection {
		return false
	}
	return a.Key == "" || b.Key == "" || a.Key == b.Key
}
