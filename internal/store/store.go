// Package store is the contract over the remote, path-addressed record store
// that holds every user's tasks and chat transcript, plus its backends.
//
// Paths have two shapes:
//
//	{kind}/{userID}          a collection, e.g. tasks/u1
//	{kind}/{userID}/{key}    a record inside a collection
//
// A record is a flat field map. Writes merge fields into a record, deletes
// remove whole records or whole collections, and subscribers always receive
// the full current contents of the path they watch.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskflow-agent/internal/keygen"
)

var (
	// ErrUnavailable marks transport, auth and quota failures of a backend.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrInvalidPath is returned for paths that are not a collection or record path.
	ErrInvalidPath = errors.New("store: invalid path")
)

// Record is the flat field map stored at a record path. Values are string,
// bool, int64, float64 or nil.
type Record map[string]any

// Snapshot is the full contents of a path keyed by record key. A record path
// yields at most one entry.
type Snapshot map[string]Record

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, rec := range s {
		out[k] = rec.clone()
	}
	return out
}

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store is implemented by every backend.
type Store interface {
	// Write merges fields into the record at path, creating it when missing.
	Write(ctx context.Context, path string, fields Record) error
	// Append creates a record in collection under a newly generated key that
	// sorts after every key generated before it, and returns that key.
	Append(ctx context.Context, collection string, fields Record) (string, error)
	// Remove deletes the record or collection at path. Removing a missing
	// path is not an error.
	Remove(ctx context.Context, path string) error
	// Read returns the current contents of path.
	Read(ctx context.Context, path string) (Snapshot, error)
	// Subscribe calls onChange with the contents of path before returning,
	// then again after every mutation under path until the returned function
	// is called or ctx is cancelled. Calls for one subscription never
	// overlap.
	Subscribe(ctx context.Context, path string, onChange func(Snapshot)) (unsubscribe func(), err error)
}

// Path is a parsed collection or record path.
type Path struct {
	Collection string
	Key        string
}

// String renders p back into its slash form.
func (p Path) String() string {
	if p.Key == "" {
		return p.Collection
	}
	return p.Collection + "/" + p.Key
}

// IsRecord reports whether p addresses a single record.
func (p Path) IsRecord() bool { return p.Key != "" }

// ParsePath validates and splits a path.
func ParsePath(raw string) (Path, error) {
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
		}
	}
	switch len(parts) {
	case 2:
		return Path{Collection: parts[0] + "/" + parts[1]}, nil
	case 3:
		return Path{Collection: parts[0] + "/" + parts[1], Key: parts[2]}, nil
	default:
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
}

// TasksPath is the collection holding userID's tasks.
func TasksPath(userID string) string { return "tasks/" + userID }

// ChatsPath is the collection holding userID's chat transcript.
func ChatsPath(userID string) string { return "chats/" + userID }

// RecordPath joins a collection and a record key.
func RecordPath(collection, key string) string { return collection + "/" + key }

// OpError describes a failed backend call. It matches ErrUnavailable with
// errors.Is.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("store: %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

func unavailable(op, path string, err error) error {
	return &OpError{Op: op, Path: path, Err: err}
}

// Option configures a backend.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	pollInterval time.Duration
	keys         keygen.Func
}

// WithLogger sets the logger used for background refresh failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPollInterval makes every subscription re-read its path periodically
// and deliver when the contents changed. It picks up writes made by other
// processes against backends that cannot push them. Zero disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithKeyFunc replaces the key generator used by Append.
func WithKeyFunc(fn keygen.Func) Option {
	return func(o *options) {
		if fn != nil {
			o.keys = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), keys: keygen.Next}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// normalizeValue coerces decoded values into the types a Record may hold.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return v
	}
}

func normalizeRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = normalizeValue(v)
	}
	return out
}
