// Package journal keeps a SQLite log of the file operations a side applied
// or requested, for the history command.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Op names a journaled operation
type Op string

const (
	OpSend         Op = "send"
	OpReceive      Op = "receive"
	OpDelete       Op = "delete"
	OpDeleteRemote Op = "delete-remote"
)

// Entry is one journaled operation
type Entry struct {
	ID       int64
	At       time.Time
	Session  string
	Op       Op
	Relative string
	Err      string
}

// OK reports whether the operation succeeded
func (e Entry) OK() bool {
	return e.Err == ""
}

// Recorder accepts journal entries
type Recorder interface {
	Record(e Entry) error
}

// Journal is a SQLite backed Recorder
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the journal database at path
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS operations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			session TEXT NOT NULL,
			op TEXT NOT NULL,
			relative TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_operations_at ON operations(at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record appends an entry. A zero At is stamped with the current time.
func (j *Journal) Record(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		"INSERT INTO operations (at, session, op, relative, error) VALUES (?, ?, ?, ?, ?)",
		e.At.UnixNano(), e.Session, string(e.Op), e.Relative, e.Err,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s %s: %w", e.Op, e.Relative, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.Query(
		"SELECT id, at, session, op, relative, error FROM operations ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			at int64
			op string
		)
		if err := rows.Scan(&e.ID, &at, &e.Session, &op, &e.Relative, &e.Err); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.At = time.Unix(0, at)
		e.Op = Op(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}
