package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process backend. It backs tests and single-process local
// runs; its contents are lost on exit.
type Memory struct {
	opts options
	hub  *hub

	mu   sync.RWMutex
	data map[string]map[string]Record
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		opts: buildOptions(opts),
		data: make(map[string]map[string]Record),
	}
	m.hub = newHub(m.read, m.opts)
	return m
}

func (m *Memory) Write(_ context.Context, path string, fields Record) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if !p.IsRecord() {
		return fmt.Errorf("%w: write needs a record path, got %q", ErrInvalidPath, path)
	}

	m.mu.Lock()
	coll := m.data[p.Collection]
	if coll == nil {
		coll = make(map[string]Record)
		m.data[p.Collection] = coll
	}
	rec := coll[p.Key]
	if rec == nil {
		rec = make(Record, len(fields))
		coll[p.Key] = rec
	}
	for k, v := range fields {
		rec[k] = normalizeValue(v)
	}
	m.mu.Unlock()

	m.hub.notify(p)
	return nil
}

func (m *Memory) Append(_ context.Context, collection string, fields Record) (string, error) {
	p, err := ParsePath(collection)
	if err != nil {
		return "", err
	}
	if p.IsRecord() {
		return "", fmt.Errorf("%w: append needs a collection path, got %q", ErrInvalidPath, collection)
	}
	key, err := m.opts.keys()
	if err != nil {
		return "", unavailable("append", collection, err)
	}

	m.mu.Lock()
	coll := m.data[p.Collection]
	if coll == nil {
		coll = make(map[string]Record)
		m.data[p.Collection] = coll
	}
	if _, exists := coll[key]; exists {
		m.mu.Unlock()
		return "", unavailable("append", collection, fmt.Errorf("key %q already exists", key))
	}
	coll[key] = normalizeRecord(fields)
	m.mu.Unlock()

	m.hub.notify(Path{Collection: p.Collection, Key: key})
	return key, nil
}

func (m *Memory) Remove(_ context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if p.IsRecord() {
		if coll := m.data[p.Collection]; coll != nil {
			delete(coll, p.Key)
			if len(coll) == 0 {
				delete(m.data, p.Collection)
			}
		}
	} else {
		delete(m.data, p.Collection)
	}
	m.mu.Unlock()

	m.hub.notify(p)
	return nil
}

func (m *Memory) Read(ctx context.Context, path string) (Snapshot, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return m.read(ctx, p)
}

func (m *Memory) Subscribe(ctx context.Context, path string, onChange func(Snapshot)) (func(), error) {
	return m.hub.subscribe(ctx, path, onChange)
}

func (m *Memory) read(_ context.Context, p Path) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll := m.data[p.Collection]
	out := make(Snapshot)
	if p.IsRecord() {
		if rec, ok := coll[p.Key]; ok {
			out[p.Key] = rec.clone()
		}
		return out, nil
	}
	for k, rec := range coll {
		out[k] = rec.clone()
	}
	return out, nil
}
