package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/capability"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// PostgresJournal appends records to a database table with the same
// discipline as the file journal: canonical bytes, capability-gated,
// exactly one row per allowed append and none on denial.
type PostgresJournal struct {
	db     *sql.DB
	stream string
}

// NewPostgresJournal wraps an open connection. stream partitions records
// the way separate files do (one for predictions, one for halts).
func NewPostgresJournal(db *sql.DB, stream string) *PostgresJournal {
	return &PostgresJournal{db: db, stream: stream}
}

// Migrate creates the journal table.
func (p *PostgresJournal) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS journal_records (
		seq BIGSERIAL PRIMARY KEY,
		stream TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		body JSONB NOT NULL,
		body_hash TEXT NOT NULL
	)`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: migrate journal: %w", err)
	}
	return nil
}

// Append writes one record. The gate is checked before any statement runs.
func (p *PostgresJournal) Append(ctx context.Context, g capability.Gate, rec contracts.Record) (string, error) {
	if err := capability.Require(g, "journal.append"); err != nil {
		return "", err
	}
	body, err := canonicalize.JCS(rec)
	if err != nil {
		return "", fmt.Errorf("store: canonicalize record: %w", err)
	}
	hash := "sha256:" + canonicalize.HashBytes(body)

	_, err = p.db.ExecContext(ctx,
		"INSERT INTO journal_records (stream, event_kind, body, body_hash) VALUES ($1, $2, $3, $4)",
		p.stream, string(rec.Kind), string(body), hash)
	if err != nil {
		return "", fmt.Errorf("store: append record: %w", err)
	}
	return hash, nil
}

// Scan streams the records of this journal's stream in append order.
func (p *PostgresJournal) Scan(ctx context.Context, fn func(contracts.Record) error) error {
	rows, err := p.db.QueryContext(ctx,
		"SELECT body FROM journal_records WHERE stream = $1 ORDER BY seq ASC", p.stream)
	if err != nil {
		return fmt.Errorf("store: scan journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return err
		}
		var rec contracts.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			// Same recovery stance as file replay: a bad row is noise.
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
