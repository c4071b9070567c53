// Package store holds the database-backed side of the journal: a SQLite
// query index derived from replay, and a Postgres-backed journal stream for
// deployments that keep records in a database instead of files. Neither is
// authoritative; the append-only log is.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/journal"
)

// SQLiteIndex is a rebuildable query index over a replayed journal. Drop
// the file and re-ingest; nothing of record lives here.
type SQLiteIndex struct {
	db *sql.DB
}

func NewSQLiteIndex(db *sql.DB) (*SQLiteIndex, error) {
	s := &SQLiteIndex{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteIndex opens (or creates) an index database at path.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite index: %w", err)
	}
	return NewSQLiteIndex(db)
}

func (s *SQLiteIndex) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS lineage_heads (
		scope_key TEXT PRIMARY KEY,
		prediction_id TEXT NOT NULL,
		correction_root TEXT NOT NULL,
		correction_revision INTEGER NOT NULL DEFAULT 0,
		was_corrected INTEGER NOT NULL DEFAULT 0,
		record JSON NOT NULL
	);
	CREATE TABLE IF NOT EXISTS correction_costs (
		correction_root TEXT PRIMARY KEY,
		corrections INTEGER NOT NULL,
		total_absolute_error REAL NOT NULL,
		mean_absolute_error REAL NOT NULL
	);
	CREATE TABLE IF NOT EXISTS outstanding_requests (
		request_id TEXT PRIMARY KEY
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Ingest replaces the index contents with the given replay result.
func (s *SQLiteIndex) Ingest(ctx context.Context, result *journal.ReplayResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"lineage_heads", "correction_costs", "outstanding_requests"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("store: clear %s: %w", table, err)
		}
	}

	for scope, p := range result.Projection.Predictions {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("store: encode head for %s: %w", scope, err)
		}
		corrected := 0
		if p.WasCorrected {
			corrected = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lineage_heads (scope_key, prediction_id, correction_root, correction_revision, was_corrected, record)
			VALUES (?, ?, ?, ?, ?, ?)`,
			scope, p.PredictionID, p.Root(), p.CorrectionRevision, corrected, string(body))
		if err != nil {
			return fmt.Errorf("store: index head for %s: %w", scope, err)
		}
	}

	for root, attr := range result.Analytics.CorrectionCostByRoot {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO correction_costs (correction_root, corrections, total_absolute_error, mean_absolute_error)
			VALUES (?, ?, ?, ?)`,
			root, attr.Corrections, attr.TotalAbsoluteError, attr.MeanAbsoluteError)
		if err != nil {
			return fmt.Errorf("store: index cost for %s: %w", root, err)
		}
	}

	for _, id := range result.Analytics.OutstandingRequests {
		if _, err := tx.ExecContext(ctx, "INSERT INTO outstanding_requests (request_id) VALUES (?)", id); err != nil {
			return fmt.Errorf("store: index request %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Head returns the current prediction indexed for a scope.
func (s *SQLiteIndex) Head(ctx context.Context, scope string) (*contracts.PredictionRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT record FROM lineage_heads WHERE scope_key = ?", scope)
	var body string
	if err := row.Scan(&body); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("store: query head: %w", err)
	}
	var p contracts.PredictionRecord
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("store: decode head: %w", err)
	}
	return &p, nil
}

// CostliestRoots lists correction roots by total absolute error.
func (s *SQLiteIndex) CostliestRoots(ctx context.Context, limit int) ([]journal.RootAttribution, []string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correction_root, corrections, total_absolute_error, mean_absolute_error
		FROM correction_costs
		ORDER BY total_absolute_error DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("store: query costs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attrs []journal.RootAttribution
	var roots []string
	for rows.Next() {
		var root string
		var a journal.RootAttribution
		if err := rows.Scan(&root, &a.Corrections, &a.TotalAbsoluteError, &a.MeanAbsoluteError); err != nil {
			return nil, nil, err
		}
		attrs = append(attrs, a)
		roots = append(roots, root)
	}
	return attrs, roots, rows.Err()
}

// OutstandingRequests lists ask requests with no recorded response.
func (s *SQLiteIndex) OutstandingRequests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT request_id FROM outstanding_requests ORDER BY request_id")
	if err != nil {
		return nil, fmt.Errorf("store: query requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error { return s.db.Close() }
