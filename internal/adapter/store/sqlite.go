// Package store persists finished calls.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"callbridge/internal/domain"
)

// SQLiteHistory implements domain.CallHistory on an embedded SQLite file.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id      TEXT PRIMARY KEY,
			call_sid     TEXT NOT NULL DEFAULT '',
			stream_sid   TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL,
			goal         TEXT NOT NULL,
			context      TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			end_reason   TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			ended_at     TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS calls_ended_at ON calls (ended_at)`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

// Record stores the final state of a call. Recording the same call again
// replaces the earlier row.
func (s *SQLiteHistory) Record(ctx context.Context, state domain.CallState) error {
	if state.CallID == "" {
		return domain.NewSubSystemError("store", "Record", domain.ErrInvalidInput, "call id is required")
	}
	ended := state.UpdatedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO calls
			(call_id, call_sid, stream_sid, phone_number, goal, context, status, end_reason, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.CallID, state.CallSid, state.StreamSid, state.PhoneNumber, state.Goal, state.Context,
		string(state.Status), string(state.EndReason),
		state.CreatedAt.UTC().Format(time.RFC3339Nano), ended.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record call %s: %w", state.CallID, err)
	}
	return nil
}

// Recent returns up to limit calls, most recently ended first.
func (s *SQLiteHistory) Recent(ctx context.Context, limit int) ([]domain.CallState, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, call_sid, stream_sid, phone_number, goal, context, status, end_reason, created_at, ended_at
		FROM calls ORDER BY ended_at DESC, call_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var calls []domain.CallState
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func scanCall(rows *sql.Rows) (domain.CallState, error) {
	var (
		c                  domain.CallState
		status, reason     string
		createdAt, endedAt string
	)
	if err := rows.Scan(&c.CallID, &c.CallSid, &c.StreamSid, &c.PhoneNumber, &c.Goal, &c.Context,
		&status, &reason, &createdAt, &endedAt); err != nil {
		return domain.CallState{}, fmt.Errorf("scan history row: %w", err)
	}
	c.Status = domain.CallStatus(status)
	c.EndReason = domain.EndReason(reason)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, endedAt)
	return c, nil
}

var _ domain.CallHistory = (*SQLiteHistory)(nil)
