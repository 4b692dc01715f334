package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// RecoverJournal appends to the operation log every committed record that
// the journal worker had not flushed when the process last stopped. It runs
// before the engine accepts commands.
func RecoverJournal(ctx context.Context, db *sql.DB, writer OperationWriter, batchSize int, logger zerolog.Logger) (int, error) {
	records, err := queryRecords(ctx, db, `
		SELECT k.record
		FROM ledger.committed_keys k
		WHERE NOT EXISTS (SELECT 1 FROM event_log.operations o WHERE o.record_id = k.record_id)
		ORDER BY k.sequence`)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		if err := writer.WriteBatch(ctx, records[start:end]); err != nil {
			return start, fmt.Errorf("recover journal: %w", err)
		}
	}
	if len(records) > 0 {
		logger.Warn().Int("records", len(records)).Msg("journal recovered from committed keys")
	}
	return len(records), nil
}
