package persistence

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"EnergyLedger/internal/event"
	"EnergyLedger/internal/observability"
)

// JournalWorker drains the journal channel and batch-writes operation
// records. The engine sends to the channel with blocking sends, so if this
// worker falls behind the engine stalls and no record is lost.
type JournalWorker struct {
	writer       OperationWriter
	inputChan    <-chan event.OperationRecord
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewJournalWorker(
	writer OperationWriter,
	inputChan <-chan event.OperationRecord,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *JournalWorker {
	return &JournalWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming records and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (jw *JournalWorker) Run(ctx context.Context) error {
	batch := make([]event.OperationRecord, 0, jw.batchSize)

	timer := time.NewTimer(jw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		write := jw.flushWithRetry
		if reason == "shutdown" || reason == "closed" {
			write = jw.flush
		}
		if err := write(ctx, batch); err != nil {
			jw.logger.Error().Err(err).Int("records", len(batch)).Str("reason", reason).Msg("journal flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			flush(context.WithoutCancel(ctx), "shutdown")
			return ctx.Err()

		case rec, ok := <-jw.inputChan:
			if !ok {
				flush(context.WithoutCancel(ctx), "closed")
				return nil
			}

			batch = append(batch, rec)
			if jw.metrics != nil {
				jw.metrics.SetChannelMetrics("journal", len(jw.inputChan), cap(jw.inputChan))
			}

			if len(batch) >= jw.batchSize {
				flush(ctx, "full")
				timer.Reset(jw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(jw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled; then it makes one final attempt without a deadline.
func (jw *JournalWorker) flushWithRetry(ctx context.Context, batch []event.OperationRecord) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = jw.maxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, jw.flush(ctx, batch)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if jw.metrics != nil {
				jw.metrics.JournalRetry.Inc()
			}
			jw.logger.Warn().Err(err).Dur("backoff", wait).Int("records", len(batch)).Msg("journal write failed, retrying")
		}),
	)
	if err == nil {
		if attempts > 1 {
			jw.logger.Info().Int("attempts", attempts).Msg("journal flush succeeded after retries")
		}
		return nil
	}
	if ctx.Err() != nil {
		return jw.flush(context.WithoutCancel(ctx), batch)
	}
	return err
}

func (jw *JournalWorker) flush(ctx context.Context, batch []event.OperationRecord) error {
	if err := jw.writer.WriteBatch(ctx, batch); err != nil {
		if jw.metrics != nil {
			jw.metrics.JournalErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	if jw.metrics != nil {
		jw.metrics.JournalBatchSize.Observe(float64(len(batch)))
		jw.metrics.JournalRowsWritten.Add(float64(len(batch)))
		jw.metrics.JournalLastSeq.Set(float64(batch[len(batch)-1].Sequence))
	}
	return nil
}
