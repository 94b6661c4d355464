package workspace

import (
	"context"
	"errors"
	"sync"

	"taskflow-agent/internal/store"
	"taskflow-agent/internal/usecase"
)

// Registry shares one Workspace per user between concurrent clients, so all
// of a user's connections see the same snapshots and the same in-flight
// turn.
type Registry struct {
	store store.Store
	asst  usecase.Assistant
	opts  []Option

	// base outlives any single client; Shutdown cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ready chan struct{}
	ws    *Workspace
	err   error
	refs  int
}

func NewRegistry(st store.Store, asst usecase.Assistant, opts ...Option) (*Registry, error) {
	if st == nil {
		return nil, errors.New("workspace: store must not be nil")
	}
	if asst == nil {
		return nil, errors.New("workspace: assistant must not be nil")
	}
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:   st,
		asst:    asst,
		opts:    opts,
		base:    base,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}, nil
}

// Acquire returns userID's workspace, opening it on first use. release must
// be called exactly once; the workspace closes when its last holder
// releases it.
func (r *Registry) Acquire(ctx context.Context, userID string) (*Workspace, func(), error) {
	r.mu.Lock()
	if r.base.Err() != nil {
		r.mu.Unlock()
		return nil, nil, errors.New("workspace: registry is shut down")
	}
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		r.entries[userID] = e
		go r.open(userID, e)
	}
	e.refs++
	r.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		r.release(userID, e)
		return nil, nil, ctx.Err()
	}
	if e.err != nil {
		r.release(userID, e)
		return nil, nil, e.err
	}

	var once sync.Once
	return e.ws, func() { once.Do(func() { r.release(userID, e) }) }, nil
}

func (r *Registry) open(userID string, e *entry) {
	e.ws, e.err = Open(r.base, r.store, r.asst, userID, r.opts...)
	close(e.ready)
}

func (r *Registry) release(userID string, e *entry) {
	r.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && r.entries[userID] == e {
		delete(r.entries, userID)
	}
	r.mu.Unlock()

	if !last {
		return
	}
	select {
	case <-e.ready:
		closeEntry(e)
	default:
		// The opener is still running; the last waiter gave up.
		go func() {
			<-e.ready
			closeEntry(e)
		}()
	}
}

func closeEntry(e *entry) {
	if e.ws != nil {
		e.ws.Close()
	}
}

// Len reports how many workspaces are open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shutdown closes every workspace and refuses further Acquire calls.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.cancel()
	r.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		closeEntry(e)
	}
}
