package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"EnergyLedger/internal/battery"
	"EnergyLedger/internal/custody"
	"EnergyLedger/internal/lock"
	fpmath "EnergyLedger/internal/math"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/store"
)

// BalanceReader reports custody balances. custody.MemoryLedger implements it.
type BalanceReader interface {
	Balance(account custody.AccountID) uint64
}

// QueryService provides read-only access to pools and user accounts.
// Responses carry as_of_sequence, the last sequence the engine had assigned
// before the read.
type QueryService struct {
	store    store.Store
	locker   lock.Locker
	sequence func() int64
	custody  BalanceReader
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

type Option func(*QueryService)

// WithCustody enables reconciliation of pool custody balances during audits.
func WithCustody(r BalanceReader) Option {
	return func(qs *QueryService) { qs.custody = r }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(qs *QueryService) { qs.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(qs *QueryService) { qs.logger = logger }
}

// NewQueryService builds the read side. sequence may be nil.
func NewQueryService(st store.Store, locker lock.Locker, sequence func() int64, opts ...Option) *QueryService {
	if sequence == nil {
		sequence = func() int64 { return 0 }
	}
	qs := &QueryService{
		store:    st,
		locker:   locker,
		sequence: sequence,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(qs)
	}
	return qs
}

// GetPool returns a pool or battery.ErrPoolNotFound.
func (qs *QueryService) GetPool(ctx context.Context, poolID uuid.UUID) (v *PoolView, err error) {
	defer qs.observe("get_pool", time.Now(), &err)

	asOf := qs.sequence()
	p, err := qs.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return &PoolView{
		PoolID:       p.ID,
		Owner:        p.Owner,
		Capacity:     p.Capacity,
		Available:    p.Available,
		Committed:    p.Committed(),
		Version:      p.Version,
		AsOfSequence: asOf,
	}, nil
}

// GetUserAccount returns a user account or battery.ErrUserAccountNotFound.
func (qs *QueryService) GetUserAccount(ctx context.Context, poolID, userID uuid.UUID) (v *UserAccountView, err error) {
	defer qs.observe("get_user_account", time.Now(), &err)

	asOf := qs.sequence()
	u, err := qs.store.GetUserAccount(ctx, poolID, userID)
	if err != nil {
		return nil, err
	}
	return &UserAccountView{
		PoolID:        u.PoolID,
		UserID:        u.UserID,
		Allocated:     u.Allocated,
		EnergyBalance: u.EnergyBalance,
		Version:       u.Version,
		AsOfSequence:  asOf,
	}, nil
}

// AuditPool verifies available + Σallocated + Σenergy_balance == capacity
// while holding the pool lock, so no operation on the pool is in flight.
// The report is returned together with battery.ErrConservationViolated when
// a check fails.
func (qs *QueryService) AuditPool(ctx context.Context, poolID uuid.UUID) (r *AuditReport, err error) {
	defer qs.observe("audit_pool", time.Now(), &err)

	unlock, err := qs.locker.LockPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("lock pool: %w", err)
	}
	defer unlock()

	asOf := qs.sequence()
	p, accounts, err := qs.store.PoolSnapshot(ctx, poolID)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		PoolID:       p.ID,
		Capacity:     p.Capacity,
		Available:    p.Available,
		Accounts:     len(accounts),
		AsOfSequence: asOf,
	}

	overflow := false
	for _, u := range accounts {
		allocated, errA := fpmath.CheckedAdd(report.TotalAllocated, u.Allocated)
		energy, errE := fpmath.CheckedAdd(report.TotalEnergy, u.EnergyBalance)
		if errA != nil || errE != nil {
			overflow = true
			break
		}
		report.TotalAllocated, report.TotalEnergy = allocated, energy
	}

	if p.Available > p.Capacity {
		report.Problems = append(report.Problems,
			fmt.Sprintf("available %d exceeds capacity %d", p.Available, p.Capacity))
	}
	if overflow {
		report.Problems = append(report.Problems, "account totals overflow uint64")
	} else {
		total := fpmath.SaturatingAdd(fpmath.SaturatingAdd(p.Available, report.TotalAllocated), report.TotalEnergy)
		if total != p.Capacity {
			report.Problems = append(report.Problems,
				fmt.Sprintf("available %d + allocated %d + energy %d = %d, capacity %d",
					p.Available, report.TotalAllocated, report.TotalEnergy, total, p.Capacity))
		}
	}

	if qs.custody != nil {
		held := qs.custody.Balance(custody.PoolCustody(poolID))
		report.CustodyBalance = &held
		if !overflow && held != report.TotalEnergy {
			report.Problems = append(report.Problems,
				fmt.Sprintf("pool custody holds %d, accounts hold %d", held, report.TotalEnergy))
		}
	}

	report.IsHealthy = len(report.Problems) == 0
	if !report.IsHealthy {
		if qs.metrics != nil {
			qs.metrics.AuditFailures.Inc()
		}
		qs.logger.Error().
			Str("pool_id", poolID.String()).
			Strs("problems", report.Problems).
			Msg("pool audit failed")
		return report, fmt.Errorf("%w: pool %s", battery.ErrConservationViolated, poolID)
	}
	return report, nil
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if err := *errp; err != nil {
		status = battery.Reason(err)
		if errors.Is(err, context.Canceled) {
			status = "canceled"
		}
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
