package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"EnergyLedger/internal/event"
)

// OperationWriter persists a batch of operation records.
type OperationWriter interface {
	WriteBatch(ctx context.Context, records []event.OperationRecord) error
}

// OperationLogWriter writes operation records to event_log.operations using
// multi-row INSERTs.
type OperationLogWriter struct {
	db *sql.DB
}

const operationColumns = 13

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// WriteBatch writes records in one statement. Rows whose record_id already
// exists are skipped, so a retried batch is harmless.
func (w *OperationLogWriter) WriteBatch(ctx context.Context, records []event.OperationRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.operations
		(record_id, idempotency_key, sequence, op_type, pool_id, user_id, amount,
		 pool_capacity, pool_available, user_allocated, user_energy_balance, digest, committed_at)
		VALUES `

	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*operationColumns)

	for i, r := range records {
		base := i * operationColumns
		placeholders := make([]string, operationColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")

		args = append(args,
			r.RecordID, r.IdempotencyKey, r.Sequence, r.Op.String(), r.PoolID,
			uuid.NullUUID{UUID: r.UserID, Valid: r.UserID != uuid.Nil},
			num(r.Amount), num(r.PoolCapacity), num(r.PoolAvailable),
			num(r.UserAllocated), num(r.UserEnergyBalance),
			r.Digest, r.CommittedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (record_id) DO NOTHING"

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d operation records: %w", len(records), err)
	}
	return nil
}

// num encodes a uint64 for a NUMERIC(20,0) column.
func num(v uint64) string {
	return strconv.FormatUint(v, 10)
}
