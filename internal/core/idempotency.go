package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"EnergyLedger/internal/event"
	"EnergyLedger/internal/observability"
)

// ErrKeyReused is returned when an idempotency key is replayed with a
// different operation or different arguments.
var ErrKeyReused = errors.New("idempotency key reused for a different operation")

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
// Lookup returns nil, nil when the key is unknown.
type DBIdempotencyChecker interface {
	Lookup(ctx context.Context, key uuid.UUID) (*event.OperationRecord, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU of
// recent records in front of the operation log.
type IdempotencyChecker struct {
	lru       *lru.Cache
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) (*IdempotencyChecker, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("create idempotency cache: %w", err)
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Lookup returns the record previously committed under cmd's key, or nil.
func (ic *IdempotencyChecker) Lookup(ctx context.Context, cmd event.Command) (*event.OperationRecord, error) {
	key := cmd.Key()

	// Tier 1: LRU check (hot path)
	if v, ok := ic.lru.Get(key); ok {
		rec := v.(event.OperationRecord)
		ic.recordDuplicate(cmd.Type(), "lru")
		return &rec, matches(&rec, cmd)
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker == nil {
		return nil, nil
	}
	rec, err := ic.dbChecker.Lookup(ctx, key)
	if err != nil {
		// A lookup failure must not block new work; the store still refuses
		// a second commit of the key with store.ErrKeyCommitted.
		ic.logger.Warn().Err(err).Stringer("key", key).Msg("idempotency tier 2 lookup failed")
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return nil, nil
	}
	if rec == nil {
		return nil, nil
	}

	ic.recordDuplicate(cmd.Type(), "postgres")
	ic.lru.Add(key, *rec)
	return rec, matches(rec, cmd)
}

// MarkProcessed remembers a committed record.
func (ic *IdempotencyChecker) MarkProcessed(rec event.OperationRecord) {
	ic.lru.Add(rec.IdempotencyKey, rec)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

// Warm loads recent records, newest last, into the LRU.
func (ic *IdempotencyChecker) Warm(records []event.OperationRecord) {
	for _, rec := range records {
		ic.lru.Add(rec.IdempotencyKey, rec)
	}
}

// Size returns current number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) recordDuplicate(op event.OpType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(op.String(), tier).Inc()
	}
}

// matches verifies that a replayed command is the one the record was made for.
func matches(rec *event.OperationRecord, cmd event.Command) error {
	if rec.Op != cmd.Type() || rec.PoolID != cmd.Pool() {
		return fmt.Errorf("%w: key=%s recorded=%s", ErrKeyReused, cmd.Key(), rec.Op)
	}

	switch c := cmd.(type) {
	case *event.InitializePool:
		if rec.Amount != c.Capacity {
			return fmt.Errorf("%w: key=%s capacity differs", ErrKeyReused, cmd.Key())
		}
	case *event.OpenUserAccount:
		if rec.UserID != c.UserID {
			return fmt.Errorf("%w: key=%s user differs", ErrKeyReused, cmd.Key())
		}
	default:
		t, ok := transitionOf(cmd)
		if !ok {
			return nil
		}
		if rec.UserID != t.UserID || rec.Amount != t.Amount {
			return fmt.Errorf("%w: key=%s arguments differ", ErrKeyReused, cmd.Key())
		}
	}
	return nil
}

func transitionOf(cmd event.Command) (*event.Transition, bool) {
	switch c := cmd.(type) {
	case *event.Allocate:
		return &c.Transition, true
	case *event.Deallocate:
		return &c.Transition, true
	case *event.DepositEnergy:
		return &c.Transition, true
	case *event.WithdrawEnergy:
		return &c.Transition, true
	}
	return nil, false
}
