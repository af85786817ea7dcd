package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists the event log in PostgreSQL for multi-node
// deployments. GlobalSeq rides a bigserial.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store bound to db. Schema migration is
// deployment-managed; Migrate is exposed for bootstrap tooling.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the events table if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		global_seq BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		stream_id TEXT NOT NULL,
		stream_kind TEXT NOT NULL,
		stream_seq BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		envelope JSONB NOT NULL,
		UNIQUE (stream_id, stream_seq)
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, streamID string, expectedVersion uint64, events []Envelope) (uint64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("append of zero events to %s", streamID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current uint64
	row := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(stream_seq), 0) FROM events WHERE stream_id = $1", streamID)
	if err := row.Scan(&current); err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	if current != expectedVersion {
		return 0, &ConflictError{StreamID: streamID, Expected: expectedVersion, Actual: current}
	}

	for i := range events {
		e := events[i]
		if e.StreamID != streamID {
			return 0, fmt.Errorf("event %s targets stream %s, appended to %s", e.EventID, e.StreamID, streamID)
		}
		current++
		e.StreamSeq = current
		raw, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("marshal envelope %s: %w", e.EventID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (event_id, stream_id, stream_kind, stream_seq, event_type, envelope)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.EventID, e.StreamID, string(e.StreamKind), e.StreamSeq, e.EventType, raw)
		if err != nil {
			return 0, fmt.Errorf("insert event %s: %w", e.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return current, nil
}

func (s *PostgresStore) ReadStream(ctx context.Context, streamID string, fromSeq uint64, limit int) ([]Envelope, error) {
	query := `
		SELECT global_seq, envelope FROM events
		WHERE stream_id = $1 AND stream_seq >= $2
		ORDER BY stream_seq`
	args := []any{streamID, fromSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	envelopes, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(envelopes) == 0 {
		var n int
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM events WHERE stream_id = $1", streamID)
		if err := row.Scan(&n); err != nil {
			return nil, fmt.Errorf("check stream existence: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%s: %w", streamID, ErrStreamNotFound)
		}
	}
	return envelopes, nil
}

func (s *PostgresStore) ReadEvent(ctx context.Context, eventID string) (Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT global_seq, envelope FROM events WHERE event_id = $1", eventID)
	var globalSeq uint64
	var raw []byte
	if err := row.Scan(&globalSeq, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Envelope{}, fmt.Errorf("%s: %w", eventID, ErrEventNotFound)
		}
		return Envelope{}, fmt.Errorf("read event %s: %w", eventID, err)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	e.GlobalSeq = globalSeq
	return e, nil
}

func (s *PostgresStore) ReplayAll(ctx context.Context, fromGlobalSeq uint64, limit int) ([]Envelope, error) {
	query := `
		SELECT global_seq, envelope FROM events
		WHERE global_seq >= $1
		ORDER BY global_seq`
	args := []any{fromGlobalSeq}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var globalSeq uint64
		var raw []byte
		if err := rows.Scan(&globalSeq, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		e.GlobalSeq = globalSeq
		out = append(out, e)
	}
	return out, rows.Err()
}
