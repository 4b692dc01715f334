package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnergyLedger/internal/core"
	"EnergyLedger/internal/event"
	"EnergyLedger/internal/observability"
)

type fakeDB struct {
	records map[uuid.UUID]event.OperationRecord
	err     error
	calls   int
}

func (f *fakeDB) Lookup(_ context.Context, key uuid.UUID) (*event.OperationRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func allocateRecord(key, poolID, userID uuid.UUID, amount uint64) event.OperationRecord {
	return event.OperationRecord{
		RecordID:       event.RecordIDFor(key),
		IdempotencyKey: key,
		Op:             event.OpAllocate,
		PoolID:         poolID,
		UserID:         userID,
		Amount:         amount,
	}
}

func TestIdempotency_LRUHit(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ic, err := core.NewIdempotencyChecker(8, nil, metrics, zerolog.Nop())
	require.NoError(t, err)

	key, poolID, userID := uuid.New(), uuid.New(), uuid.New()
	ic.MarkProcessed(allocateRecord(key, poolID, userID, 5))

	cmd := &event.Allocate{Transition: event.Transition{IdempotencyKey: key, PoolID: poolID, UserID: userID, Amount: 5}}
	rec, err := ic.Lookup(context.Background(), cmd)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(5), rec.Amount)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("allocate", "lru")))
}

func TestIdempotency_PostgresTierPromotesToLRU(t *testing.T) {
	key, poolID, userID := uuid.New(), uuid.New(), uuid.New()
	db := &fakeDB{records: map[uuid.UUID]event.OperationRecord{
		key: allocateRecord(key, poolID, userID, 9),
	}}
	ic, err := core.NewIdempotencyChecker(8, db, nil, zerolog.Nop())
	require.NoError(t, err)

	cmd := &event.Allocate{Transition: event.Transition{IdempotencyKey: key, PoolID: poolID, UserID: userID, Amount: 9}}
	for i := 0; i < 3; i++ {
		rec, err := ic.Lookup(context.Background(), cmd)
		require.NoError(t, err)
		require.NotNil(t, rec)
	}
	assert.Equal(t, 1, db.calls, "later lookups are served by the LRU")
	assert.Equal(t, 1, ic.Size())
}

func TestIdempotency_UnknownKey(t *testing.T) {
	db := &fakeDB{}
	ic, err := core.NewIdempotencyChecker(8, db, nil, zerolog.Nop())
	require.NoError(t, err)

	rec, err := ic.Lookup(context.Background(), &event.InitializePool{IdempotencyKey: uuid.New(), PoolID: uuid.New()})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIdempotency_Tier2ErrorIsNotADuplicate(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	db := &fakeDB{err: errors.New("connection reset")}
	ic, err := core.NewIdempotencyChecker(8, db, metrics, zerolog.Nop())
	require.NoError(t, err)

	rec, err := ic.Lookup(context.Background(), &event.OpenUserAccount{IdempotencyKey: uuid.New(), PoolID: uuid.New(), UserID: uuid.New()})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DedupTier2Errors))
}

func TestIdempotency_Eviction(t *testing.T) {
	ic, err := core.NewIdempotencyChecker(2, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	poolID, userID := uuid.New(), uuid.New()
	keys := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, k := range keys {
		ic.MarkProcessed(allocateRecord(k, poolID, userID, 1))
	}
	assert.Equal(t, 2, ic.Size())

	oldest := &event.Allocate{Transition: event.Transition{IdempotencyKey: keys[0], PoolID: poolID, UserID: userID, Amount: 1}}
	rec, err := ic.Lookup(context.Background(), oldest)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIdempotency_Warm(t *testing.T) {
	ic, err := core.NewIdempotencyChecker(8, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	key, poolID, userID := uuid.New(), uuid.New(), uuid.New()
	ic.Warm([]event.OperationRecord{allocateRecord(key, poolID, userID, 3)})

	rec, err := ic.Lookup(context.Background(), &event.Allocate{Transition: event.Transition{
		IdempotencyKey: key, PoolID: poolID, UserID: userID, Amount: 3,
	}})
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestIdempotency_RejectsMismatchedReplay(t *testing.T) {
	ic, err := core.NewIdempotencyChecker(8, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	key, poolID, userID := uuid.New(), uuid.New(), uuid.New()
	ic.MarkProcessed(allocateRecord(key, poolID, userID, 3))

	_, err = ic.Lookup(context.Background(), &event.Allocate{Transition: event.Transition{
		IdempotencyKey: key, PoolID: poolID, UserID: uuid.New(), Amount: 3,
	}})
	assert.ErrorIs(t, err, core.ErrKeyReused)

	_, err = ic.Lookup(context.Background(), &event.InitializePool{IdempotencyKey: key, PoolID: poolID, Capacity: 3})
	assert.ErrorIs(t, err, core.ErrKeyReused)
}
