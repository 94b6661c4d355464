package repository

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"taskflow-agent/internal/domain"
	"taskflow-agent/internal/keygen"
	"taskflow-agent/internal/store"
)

// Option configures Tasks and Transcript.
type Option func(*config)

type config struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock replaces time.Now for createdAt, completedAt and timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used for swallowed store failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func buildConfig(opts []Option) config {
	c := config{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Tasks is the live task list of one user. It subscribes to the user's task
// collection on creation and rebuilds its snapshot from every delivery.
type Tasks struct {
	store      store.Store
	userID     string
	collection string
	cfg        config

	view        *view[domain.Task]
	unsubscribe func()
}

// NewTasks subscribes to userID's tasks. The returned Tasks already holds the
// current snapshot.
func NewTasks(ctx context.Context, st store.Store, userID string, opts ...Option) (*Tasks, error) {
	if st == nil {
		return nil, errors.New("repository: store must not be nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.Contains(userID, "/") {
		return nil, domain.NewError(domain.ErrorValidation, "invalid_user_id", nil)
	}

	t := &Tasks{
		store:      st,
		userID:     userID,
		collection: store.TasksPath(userID),
		cfg:        buildConfig(opts),
		view:       newView[domain.Task](),
	}
	unsub, err := st.Subscribe(ctx, t.collection, func(s store.Snapshot) {
		t.view.replace(tasksFromSnapshot(s))
	})
	if err != nil {
		return nil, domain.NewError(domain.ErrorStoreUnavailable, "subscribe_tasks", err)
	}
	t.unsubscribe = unsub
	return t, nil
}

// Close stops the subscription and closes every Watch channel.
func (t *Tasks) Close() {
	t.unsubscribe()
	t.view.close()
}

// Create validates fields and appends a new, incomplete task. The new task
// shows up through the snapshot, not through the return value.
func (t *Tasks) Create(ctx context.Context, f domain.TaskFields) error {
	if f.Priority == "" {
		f.Priority = domain.PriorityMedium
	}
	rec, err := patchRecord(domain.TaskPatch{
		Title:       &f.Title,
		Description: &f.Description,
		DueDate:     &f.DueDate,
		Priority:    &f.Priority,
		Assignee:    &f.Assignee,
	})
	if err != nil {
		return err
	}
	rec["completed"] = false
	rec["createdAt"] = t.cfg.now().UnixMilli()

	if _, err := t.store.Append(ctx, t.collection, rec); err != nil {
		t.cfg.logger.Error("repository: create task", "user", t.userID, "err", err)
		return domain.NewError(domain.ErrorStoreUnavailable, "create_task", err)
	}
	return nil
}

// Update merges the fields present in p into an existing task. Completion
// state and createdAt are never touched. Store failures are logged, not
// returned; an id missing from the store is.
func (t *Tasks) Update(ctx context.Context, id string, p domain.TaskPatch) error {
	if err := validateID(id); err != nil {
		return err
	}
	rec, err := patchRecord(p)
	if err != nil {
		return err
	}
	found, err := t.exists(ctx, id)
	if err != nil {
		t.cfg.logger.Error("repository: update task", "user", t.userID, "task", id, "err", err)
		return nil
	}
	if !found {
		return domain.NewError(domain.ErrorNotFound, "task_not_found", nil)
	}
	if err := t.store.Write(ctx, t.recordPath(id), rec); err != nil {
		t.cfg.logger.Error("repository: update task", "user", t.userID, "task", id, "err", err)
	}
	return nil
}

// Complete marks a task done with notes. Calling it again only refreshes
// completedAt.
func (t *Tasks) Complete(ctx context.Context, id, notes string) error {
	if err := validateID(id); err != nil {
		return err
	}
	found, err := t.exists(ctx, id)
	if err != nil {
		t.cfg.logger.Error("repository: complete task", "user", t.userID, "task", id, "err", err)
		return domain.NewError(domain.ErrorStoreUnavailable, "complete_task", err)
	}
	if !found {
		return domain.NewError(domain.ErrorNotFound, "task_not_found", nil)
	}
	err = t.store.Write(ctx, t.recordPath(id), store.Record{
		"completed":       true,
		"completedAt":     t.cfg.now().UnixMilli(),
		"completionNotes": notes,
	})
	if err != nil {
		t.cfg.logger.Error("repository: complete task", "user", t.userID, "task", id, "err", err)
		return domain.NewError(domain.ErrorStoreUnavailable, "complete_task", err)
	}
	return nil
}

// Toggle flips completed based on the last snapshot seen, not on the store.
// Two toggles racing against the same stale snapshot write the same value;
// that is accepted. Unknown ids are ignored.
func (t *Tasks) Toggle(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	task, ok := t.find(id)
	if !ok {
		t.cfg.logger.Debug("repository: toggle unknown task", "user", t.userID, "task", id)
		return nil
	}
	if err := t.store.Write(ctx, t.recordPath(id), store.Record{"completed": !task.Completed}); err != nil {
		t.cfg.logger.Error("repository: toggle task", "user", t.userID, "task", id, "err", err)
	}
	return nil
}

// Delete removes a task. Deleting a missing task is not an error.
func (t *Tasks) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := t.store.Remove(ctx, t.recordPath(id)); err != nil {
		t.cfg.logger.Error("repository: delete task", "user", t.userID, "task", id, "err", err)
	}
	return nil
}

// Snapshot returns the tasks newest first.
func (t *Tasks) Snapshot() []domain.Task {
	return t.view.snapshot()
}

// Watch streams whole snapshots, starting with the current one. Slow readers
// only ever see the latest snapshot.
func (t *Tasks) Watch() (<-chan []domain.Task, func()) {
	return t.view.watch()
}

// Stats counts tasks for the dashboard.
func (t *Tasks) Stats() domain.TaskStats {
	return statsOf(t.Snapshot())
}

// Recent returns at most n of the newest tasks.
func (t *Tasks) Recent(n int) []domain.Task {
	tasks := t.Snapshot()
	if n < 0 {
		n = 0
	}
	if len(tasks) > n {
		tasks = tasks[:n]
	}
	return tasks
}

func (t *Tasks) find(id string) (domain.Task, bool) {
	for _, task := range *t.view.current.Load() {
		if task.ID == id {
			return task, true
		}
	}
	return domain.Task{}, false
}

// exists asks the store rather than the snapshot, which may not yet hold a
// task created a moment ago.
func (t *Tasks) exists(ctx context.Context, id string) (bool, error) {
	snap, err := t.store.Read(ctx, t.recordPath(id))
	if err != nil {
		return false, err
	}
	_, ok := snap[id]
	return ok, nil
}

func (t *Tasks) recordPath(id string) string {
	return store.RecordPath(t.collection, id)
}

func statsOf(tasks []domain.Task) domain.TaskStats {
	s := domain.TaskStats{Total: len(tasks)}
	for _, task := range tasks {
		if task.Completed {
			s.Completed++
		}
	}
	if s.Total > 0 {
		s.Progress = int(math.Round(float64(s.Completed) / float64(s.Total) * 100))
	}
	return s
}

// patchRecord validates p and returns only the fields it sets.
func patchRecord(p domain.TaskPatch) (store.Record, error) {
	if p.Empty() {
		return nil, domain.NewError(domain.ErrorValidation, "empty_update", nil)
	}
	rec := store.Record{}
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return nil, domain.NewError(domain.ErrorValidation, "empty_title", nil)
		}
		rec["title"] = *p.Title
	}
	if p.Priority != nil {
		if !p.Priority.Valid() {
			return nil, domain.NewError(domain.ErrorValidation, "invalid_priority", nil)
		}
		rec["priority"] = string(*p.Priority)
	}
	if p.Description != nil {
		rec["description"] = *p.Description
	}
	if p.DueDate != nil {
		rec["dueDate"] = *p.DueDate
	}
	if p.Assignee != nil {
		rec["assignee"] = *p.Assignee
	}
	return rec, nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" || strings.Contains(id, "/") {
		return domain.NewError(domain.ErrorValidation, "invalid_task_id", nil)
	}
	return nil
}

// tasksFromSnapshot materializes and orders a task collection: createdAt
// descending, then key ascending.
func tasksFromSnapshot(s store.Snapshot) []domain.Task {
	tasks := make([]domain.Task, 0, len(s))
	for key, rec := range s {
		tasks = append(tasks, taskFromRecord(key, rec))
	}
	slices.SortFunc(tasks, func(a, b domain.Task) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return keygen.Compare(a.ID, b.ID)
	})
	return tasks
}

func taskFromRecord(key string, rec store.Record) domain.Task {
	task := domain.Task{
		ID:          key,
		Title:       stringField(rec, "title"),
		Description: stringField(rec, "description"),
		DueDate:     stringField(rec, "dueDate"),
		Priority:    domain.Priority(stringField(rec, "priority")),
		Assignee:    stringField(rec, "assignee"),
		Completed:   boolField(rec, "completed"),
	}
	if !task.Priority.Valid() {
		task.Priority = domain.PriorityMedium
	}
	if created, ok := int64Field(rec, "createdAt"); ok {
		task.CreatedAt = created
	} else if ms, ok := keygen.Millis(key); ok {
		// Records written without createdAt fall back to their key's time.
		task.CreatedAt = ms
	}
	if task.Completed {
		task.CompletedAt, _ = int64Field(rec, "completedAt")
		task.CompletionNotes = stringField(rec, "completionNotes")
	}
	return task
}
