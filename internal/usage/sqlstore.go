package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Ledger persists usage records.
type Ledger interface {
	Insert(ctx context.Context, records []Record) error
	Totals(ctx context.Context, since time.Time) ([]Total, error)
}

// SQLStore is a Ledger backed by database/sql. OpenSQLite opens the
// default pure-Go SQLite file.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an existing database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLite opens (creating if needed) the ledger at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the ledger schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			family TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create usage_records table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_usage_records_created ON usage_records(created_at)"); err != nil {
		return fmt.Errorf("create usage index: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert writes records in one transaction. Records without an ID get one.
func (s *SQLStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage insert: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO usage_records
			(id, family, model, account_id, run_id, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID,
			r.Family,
			r.Model,
			r.AccountID,
			r.RunID,
			r.Usage.InputTokens,
			r.Usage.OutputTokens,
			r.Usage.CacheReadTokens,
			r.Usage.CacheWriteTokens,
			r.Cost,
			r.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert usage record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage insert: %w", err)
	}
	return nil
}

// Totals aggregates records created at or after since, per family and model.
// A zero since covers the whole ledger.
func (s *SQLStore) Totals(ctx context.Context, since time.Time) ([]Total, error) {
	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT family, model,
			SUM(input_tokens), SUM(output_tokens), SUM(cache_read_tokens), SUM(cache_write_tokens),
			SUM(cost_usd), COUNT(*)
		FROM usage_records
		WHERE created_at >= ?
		GROUP BY family, model
		ORDER BY family, model
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	var out []Total
	for rows.Next() {
		var t Total
		if err := rows.Scan(
			&t.Family,
			&t.Model,
			&t.Usage.InputTokens,
			&t.Usage.OutputTokens,
			&t.Usage.CacheReadTokens,
			&t.Usage.CacheWriteTokens,
			&t.CostUSD,
			&t.Requests,
		); err != nil {
			return nil, fmt.Errorf("scan usage totals: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage totals: %w", err)
	}
	return out, nil
}

// Prune deletes records older than olderThan and returns how many went.
func (s *SQLStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM usage_records WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune usage records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune usage records: %w", err)
	}
	return n, nil
}
