package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"EnergyLedger/internal/event"
)

// PostgresIdempotencyChecker implements DB-based deduplication over
// ledger.committed_keys, which the store writes in the commit transaction.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// Lookup returns the record committed under key, or nil.
func (pic *PostgresIdempotencyChecker) Lookup(ctx context.Context, key uuid.UUID) (*event.OperationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var body []byte
	err := pic.db.QueryRowContext(ctx, `SELECT record FROM ledger.committed_keys WHERE idempotency_key = $1`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key %s: %w", key, err)
	}
	return decodeRecord(body)
}

// Recent returns up to limit of the newest records, oldest first, for
// warming the in-memory tier on startup.
func (pic *PostgresIdempotencyChecker) Recent(ctx context.Context, limit int) ([]event.OperationRecord, error) {
	return queryRecords(ctx, pic.db, `
		SELECT record FROM (
			SELECT record, sequence FROM ledger.committed_keys ORDER BY sequence DESC LIMIT $1
		) recent
		ORDER BY sequence ASC`, limit)
}

// MaxSequence returns the highest committed sequence, 0 when nothing has
// been committed.
func (pic *PostgresIdempotencyChecker) MaxSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := pic.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM ledger.committed_keys`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read max sequence: %w", err)
	}
	return seq, nil
}

func queryRecords(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]event.OperationRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load committed records: %w", err)
	}
	defer rows.Close()

	var out []event.OperationRecord
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan committed record: %w", err)
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func decodeRecord(body []byte) (*event.OperationRecord, error) {
	var rec event.OperationRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode committed record: %w", err)
	}
	rec.CommittedAt = rec.CommittedAt.UTC()
	return &rec, nil
}
