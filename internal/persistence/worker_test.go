package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnergyLedger/internal/event"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/persistence"
)

type fakeWriter struct {
	mu       sync.Mutex
	batches  [][]event.OperationRecord
	failures int
}

func (f *fakeWriter) WriteBatch(_ context.Context, records []event.OperationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset by peer")
	}
	cp := append([]event.OperationRecord(nil), records...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeWriter) written() []event.OperationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []event.OperationRecord
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeWriter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func record(seq int64) event.OperationRecord {
	key := uuid.New()
	return event.OperationRecord{
		RecordID:       event.RecordIDFor(key),
		IdempotencyKey: key,
		Sequence:       seq,
		Op:             event.OpAllocate,
	}
}

// ============================================================================
// JournalWorker
// ============================================================================

func TestJournalWorker_FlushesFullBatches(t *testing.T) {
	w := &fakeWriter{}
	in := make(chan event.OperationRecord, 16)
	jw := persistence.NewJournalWorker(w, in, 3, time.Hour, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- jw.Run(context.Background()) }()

	for i := int64(1); i <= 7; i++ {
		in <- record(i)
	}
	require.Eventually(t, func() bool { return w.batchCount() == 2 }, time.Second, 5*time.Millisecond)

	close(in)
	require.NoError(t, <-done)

	got := w.written()
	require.Len(t, got, 7, "the partial batch is flushed on close")
	for i, rec := range got {
		assert.Equal(t, int64(i+1), rec.Sequence)
	}
}

func TestJournalWorker_FlushesOnTimeout(t *testing.T) {
	w := &fakeWriter{}
	in := make(chan event.OperationRecord, 4)
	jw := persistence.NewJournalWorker(w, in, 100, 10*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go jw.Run(ctx)

	in <- record(1)
	require.Eventually(t, func() bool { return len(w.written()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournalWorker_RetriesUntilWritten(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := &fakeWriter{failures: 2}
	in := make(chan event.OperationRecord, 4)
	jw := persistence.NewJournalWorker(w, in, 1, time.Hour, metrics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go jw.Run(ctx)

	in <- record(9)
	require.Eventually(t, func() bool { return len(w.written()) == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.JournalRetry))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.JournalErrors.WithLabelValues("write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JournalRowsWritten))
	assert.Equal(t, 9.0, testutil.ToFloat64(metrics.JournalLastSeq))
}

func TestJournalWorker_FlushesOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	in := make(chan event.OperationRecord, 4)
	jw := persistence.NewJournalWorker(w, in, 100, time.Hour, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- jw.Run(ctx) }()

	in <- record(1)
	in <- record(2)
	require.Eventually(t, func() bool { return len(in) == 0 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, w.written(), 2)
}
