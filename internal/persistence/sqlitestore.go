package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	// Pure Go SQLite driver.
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT    NOT NULL,
	iteration  INTEGER NOT NULL,
	status     TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	blob       BLOB    NOT NULL,
	PRIMARY KEY (run_id, iteration)
);
`

// SQLiteStore keeps checkpoint blobs in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, multierr.Combine(fmt.Errorf("failed to initialize schema: %w", err), db.Close())
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	blob, err := Encode(cp)
	if err != nil {
		return err
	}
	var created int64
	if !cp.CreatedAt.IsZero() {
		created = cp.CreatedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (run_id, iteration, status, created_at, blob) VALUES (?, ?, ?, ?, ?)`,
		cp.RunID, cp.Iteration, string(cp.Status), created, blob)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT blob FROM checkpoints WHERE run_id = ? ORDER BY iteration DESC LIMIT 1`, runID)
	return scanCheckpoint(row, runID)
}

func (s *SQLiteStore) Load(ctx context.Context, runID string, iteration int32) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT blob FROM checkpoints WHERE run_id = ? AND iteration = ?`, runID, iteration)
	return scanCheckpoint(row, runID)
}

func scanCheckpoint(row *sql.Row, runID string) (*Checkpoint, error) {
	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return Decode(blob)
}

func (s *SQLiteStore) List(ctx context.Context, runID string) ([]int32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT iteration FROM checkpoints WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()
	var iters []int32
	for rows.Next() {
		var it int32
		if err := rows.Scan(&it); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		iters = append(iters, it)
	}
	return iters, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
