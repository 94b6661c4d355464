// Package workspace wires the task list, chat transcript and conversation of
// one user over a shared store.
package workspace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"taskflow-agent/internal/domain"
	"taskflow-agent/internal/repository"
	"taskflow-agent/internal/store"
	"taskflow-agent/internal/usecase"
)

// RecentTasks is how many tasks the dashboard lists.
const RecentTasks = 5

// Workspace is everything one user interacts with.
type Workspace struct {
	UserID       string
	Tasks        *repository.Tasks
	Transcript   *repository.Transcript
	Conversation *usecase.Conversation

	closeOnce sync.Once
}

// Dashboard is the summary view of a workspace.
type Dashboard struct {
	Stats  domain.TaskStats     `json:"stats"`
	Recent []domain.Task        `json:"recentTasks"`
	Chat   []domain.ChatMessage `json:"chat"`
}

type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock is passed through to the repositories.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Open subscribes to userID's partition. Both live snapshots are populated
// before Open returns. Cancelling ctx ends the subscriptions.
func Open(ctx context.Context, st store.Store, asst usecase.Assistant, userID string, opts ...Option) (*Workspace, error) {
	if st == nil {
		return nil, errors.New("workspace: store must not be nil")
	}
	if asst == nil {
		return nil, errors.New("workspace: assistant must not be nil")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("user", userID)
	repoOpts := []repository.Option{repository.WithLogger(logger)}
	if o.now != nil {
		repoOpts = append(repoOpts, repository.WithClock(o.now))
	}

	tasks, err := repository.NewTasks(ctx, st, userID, repoOpts...)
	if err != nil {
		return nil, err
	}
	transcript, err := repository.NewTranscript(ctx, st, userID, repoOpts...)
	if err != nil {
		tasks.Close()
		return nil, err
	}
	conv, err := usecase.NewConversation(transcript, asst, usecase.WithLogger(logger))
	if err != nil {
		tasks.Close()
		transcript.Close()
		return nil, err
	}
	return &Workspace{
		UserID:       userID,
		Tasks:        tasks,
		Transcript:   transcript,
		Conversation: conv,
	}, nil
}

// Close ends both subscriptions. A turn in flight still completes its writes.
func (w *Workspace) Close() {
	w.closeOnce.Do(func() {
		w.Tasks.Close()
		w.Transcript.Close()
	})
}

// Dashboard returns task statistics, the newest tasks and the transcript.
func (w *Workspace) Dashboard() Dashboard {
	return Dashboard{
		Stats:  w.Tasks.Stats(),
		Recent: w.Tasks.Recent(RecentTasks),
		Chat:   w.Transcript.Snapshot(),
	}
}
