package candidate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// SQLiteStore persists candidates in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the schema and returns a store bound to db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS candidates (
		id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL UNIQUE,
		produced_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, c contracts.Candidate) error {
	var existingID string
	row := s.db.QueryRowContext(ctx,
		"SELECT id FROM candidates WHERE content_hash = ?", string(c.ContentHash))
	switch err := row.Scan(&existingID); {
	case err == nil:
		if existingID != c.ID {
			return fmt.Errorf("hash %s already recorded as %s: %w",
				c.ContentHash, existingID, contracts.ErrImmutable)
		}
		return fmt.Errorf("candidate %s: %w", c.ID, contracts.ErrImmutable)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("probe candidate hash: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (id, content_hash, produced_by, created_at)
		VALUES (?, ?, ?, ?)`,
		c.ID, string(c.ContentHash), c.ProducedBy, c.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert candidate %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (contracts.Candidate, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		"SELECT id, content_hash, produced_by, created_at FROM candidates WHERE id = ?", id), id)
}

func (s *SQLiteStore) GetByHash(ctx context.Context, hash contracts.ContentHash) (contracts.Candidate, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		"SELECT id, content_hash, produced_by, created_at FROM candidates WHERE content_hash = ?",
		string(hash)), string(hash))
}

func (s *SQLiteStore) scanOne(row *sql.Row, key string) (contracts.Candidate, error) {
	var c contracts.Candidate
	var hash, createdAt string
	if err := row.Scan(&c.ID, &hash, &c.ProducedBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Candidate{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return contracts.Candidate{}, fmt.Errorf("read candidate %s: %w", key, err)
	}
	c.ContentHash = contracts.ContentHash(hash)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return contracts.Candidate{}, fmt.Errorf("parse candidate %s created_at: %w", key, err)
	}
	c.CreatedAt = t
	return c, nil
}
