package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	fields     TEXT NOT NULL,
	PRIMARY KEY (collection, key)
);`

// SQLite keeps every record as a JSON document in one table. It suits
// single-host deployments that want the transcript and tasks to survive
// restarts without a cloud table.
type SQLite struct {
	db   *sql.DB
	opts options
	hub  *hub
}

// OpenSQLite opens (creating when needed) the database at dsn.
func OpenSQLite(dsn string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// Merges are read-modify-write transactions; one connection keeps them
	// from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &SQLite{db: db, opts: buildOptions(opts)}
	s.hub = newHub(s.read, s.opts)
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Write(ctx context.Context, path string, fields Record) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if !p.IsRecord() {
		return fmt.Errorf("%w: write needs a record path, got %q", ErrInvalidPath, path)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("sqlite Write", path, err)
	}
	defer func() { _ = tx.Rollback() }()

	merged := make(Record, len(fields))
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT fields FROM records WHERE collection = ? AND key = ?`, p.Collection, p.Key,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return unavailable("sqlite Write", path, err)
	default:
		existing, err := decodeFields(raw)
		if err != nil {
			return unavailable("sqlite Write", path, err)
		}
		merged = existing
	}
	for k, v := range fields {
		merged[k] = normalizeValue(v)
	}

	doc, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("store: sqlite Write %q: encode fields: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (collection, key, fields) VALUES (?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET fields = excluded.fields`,
		p.Collection, p.Key, string(doc),
	); err != nil {
		return unavailable("sqlite Write", path, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("sqlite Write", path, err)
	}

	s.hub.notify(p)
	return nil
}

func (s *SQLite) Append(ctx context.Context, collection string, fields Record) (string, error) {
	p, err := ParsePath(collection)
	if err != nil {
		return "", err
	}
	if p.IsRecord() {
		return "", fmt.Errorf("%w: append needs a collection path, got %q", ErrInvalidPath, collection)
	}
	key, err := s.opts.keys()
	if err != nil {
		return "", unavailable("sqlite Append", collection, err)
	}

	doc, err := json.Marshal(normalizeRecord(fields))
	if err != nil {
		return "", fmt.Errorf("store: sqlite Append %q: encode fields: %w", collection, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO records (collection, key, fields) VALUES (?, ?, ?)`,
		p.Collection, key, string(doc),
	); err != nil {
		return "", unavailable("sqlite Append", collection, err)
	}

	s.hub.notify(Path{Collection: p.Collection, Key: key})
	return key, nil
}

func (s *SQLite) Remove(ctx context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}

	if p.IsRecord() {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND key = ?`, p.Collection, p.Key)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ?`, p.Collection)
	}
	if err != nil {
		return unavailable("sqlite Remove", path, err)
	}

	s.hub.notify(p)
	return nil
}

func (s *SQLite) Read(ctx context.Context, path string) (Snapshot, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return s.read(ctx, p)
}

func (s *SQLite) Subscribe(ctx context.Context, path string, onChange func(Snapshot)) (func(), error) {
	return s.hub.subscribe(ctx, path, onChange)
}

func (s *SQLite) read(ctx context.Context, p Path) (Snapshot, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if p.IsRecord() {
		rows, err = s.db.QueryContext(ctx,
			`SELECT key, fields FROM records WHERE collection = ? AND key = ?`, p.Collection, p.Key)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT key, fields FROM records WHERE collection = ?`, p.Collection)
	}
	if err != nil {
		return nil, unavailable("sqlite Read", p.String(), err)
	}
	defer rows.Close()

	out := make(Snapshot)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, unavailable("sqlite Read", p.String(), err)
		}
		rec, err := decodeFields(raw)
		if err != nil {
			s.opts.logger.Warn("store: skip undecodable record", "path", RecordPath(p.Collection, key), "err", err)
			continue
		}
		out[key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("sqlite Read", p.String(), err)
	}
	return out, nil
}

func decodeFields(raw string) (Record, error) {
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if rec == nil {
		rec = make(Record)
	}
	return normalizeRecord(rec), nil
}
