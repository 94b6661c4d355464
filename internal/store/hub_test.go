package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	snap  Snapshot
	err   error
	reads atomic.Int32
}

func (f *fakeSource) set(s Snapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *fakeSource) read(_ context.Context, _ Path) (Snapshot, error) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.snap.Clone(), nil
}

func TestHub_PollDeliversOnlyChanges(t *testing.T) {
	src := &fakeSource{snap: Snapshot{}}
	h := newHub(src.read, options{logger: slog.Default(), pollInterval: 5 * time.Millisecond})
	rec := newRecorder()

	unsub, err := h.subscribe(context.Background(), "tasks/u1", rec.onChange)
	require.NoError(t, err)
	defer unsub()
	require.Empty(t, rec.next(t))

	// Several polls of an unchanged path deliver nothing.
	require.Eventually(t, func() bool { return src.reads.Load() > 3 }, time.Second, time.Millisecond)
	select {
	case s := <-rec.ch:
		t.Fatalf("unexpected delivery of unchanged snapshot %v", s)
	default:
	}

	src.set(Snapshot{"t1": {"title": "from another process"}})
	snap := rec.next(t)
	require.Equal(t, "from another process", snap["t1"]["title"])
}

func TestHub_NotifyForcesDeliveryOfUnchangedSnapshot(t *testing.T) {
	src := &fakeSource{snap: Snapshot{"t1": {"title": "same"}}}
	h := newHub(src.read, options{logger: slog.Default()})
	rec := newRecorder()

	unsub, err := h.subscribe(context.Background(), "tasks/u1", rec.onChange)
	require.NoError(t, err)
	defer unsub()
	rec.next(t)

	h.notify(Path{Collection: "tasks/u1", Key: "t1"})
	require.Equal(t, "same", rec.next(t)["t1"]["title"])
}

func subscriberCount(h *hub) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func TestHub_InitialReadFailureIsReturned(t *testing.T) {
	src := &fakeSource{err: unavailable("read", "tasks/u1", errors.New("throttled"))}
	h := newHub(src.read, options{logger: slog.Default()})

	_, err := h.subscribe(context.Background(), "tasks/u1", func(Snapshot) {})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Zero(t, subscriberCount(h))
}

func TestHub_RefreshFailureKeepsSubscriptionAlive(t *testing.T) {
	src := &fakeSource{snap: Snapshot{}}
	h := newHub(src.read, options{logger: slog.Default()})
	rec := newRecorder()

	unsub, err := h.subscribe(context.Background(), "tasks/u1", rec.onChange)
	require.NoError(t, err)
	defer unsub()
	rec.next(t)

	src.mu.Lock()
	src.err = errors.New("transient")
	src.mu.Unlock()
	h.notify(Path{Collection: "tasks/u1"})
	require.Eventually(t, func() bool { return src.reads.Load() >= 2 }, time.Second, time.Millisecond)

	src.mu.Lock()
	src.err = nil
	src.snap = Snapshot{"t1": {"title": "back"}}
	src.mu.Unlock()
	h.notify(Path{Collection: "tasks/u1"})
	require.Equal(t, "back", rec.next(t)["t1"]["title"])
}
