package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"EnergyLedger/internal/battery"
	"EnergyLedger/internal/custody"
	"EnergyLedger/internal/event"
	"EnergyLedger/internal/lock"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/store"
)

const tracerName = "EnergyLedger/internal/core"

// ErrEngineClosed is returned for operations started after Close.
var ErrEngineClosed = errors.New("engine closed")

// Engine applies ledger operations.
//
// Every mutation holds the pool lock and then the user lock, runs inside one
// store.Update and commits both records or neither. Deposits and withdrawals
// compute the new records on copies, move the tokens, and commit only after
// the transfer succeeded.
type Engine struct {
	store       store.Store
	locker      lock.Locker
	custody     custody.Transferer
	idempotency *IdempotencyChecker
	hasher      *RecordHasher
	sequence    atomic.Int64
	metrics     *observability.Metrics
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time

	compensationTimeout time.Duration

	journalChan chan<- event.OperationRecord
	publishChan chan<- event.OperationRecord

	// Operations hold gate for reading; Close takes it for writing.
	gate   sync.RWMutex
	closed bool
}

// Result of a mutating operation. Duplicate is set when the idempotency key
// was already committed; Record is then the original record.
type Result struct {
	Record    event.OperationRecord
	Duplicate bool
}

type Option func(*Engine)

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithJournal sets the channel every committed record is sent to. Sends block,
// so a stalled journal applies backpressure instead of losing records.
func WithJournal(ch chan<- event.OperationRecord) Option {
	return func(e *Engine) { e.journalChan = ch }
}

// WithPublisher sets the outbound channel. Sends never block; records are
// dropped when it is full.
func WithPublisher(ch chan<- event.OperationRecord) Option {
	return func(e *Engine) { e.publishChan = ch }
}

// WithStartSequence continues numbering after seq. Sequences are assigned
// per instance: engines sharing a database each count from their own start.
func WithStartSequence(seq int64) Option {
	return func(e *Engine) { e.sequence.Store(seq) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithCompensationTimeout(d time.Duration) Option {
	return func(e *Engine) { e.compensationTimeout = d }
}

func NewEngine(st store.Store, locker lock.Locker, transfer custody.Transferer, idem *IdempotencyChecker, opts ...Option) *Engine {
	e := &Engine{
		store:               st,
		locker:              locker,
		custody:             transfer,
		idempotency:         idem,
		hasher:              NewRecordHasher(),
		tracer:              otel.GetTracerProvider().Tracer(tracerName),
		logger:              zerolog.Nop(),
		now:                 time.Now,
		compensationTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sequence returns the last assigned sequence.
func (e *Engine) Sequence() int64 {
	return e.sequence.Load()
}

// Close waits for in-flight operations and rejects later ones with
// ErrEngineClosed. Once it returns nil nothing sends on the output channels.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.gate.Lock()
		e.closed = true
		e.gate.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain engine: %w", ctx.Err())
	}
}

func (e *Engine) enter() (func(), error) {
	e.gate.RLock()
	if e.closed {
		e.gate.RUnlock()
		return nil, ErrEngineClosed
	}
	return e.gate.RUnlock, nil
}

// Apply dispatches cmd to its operation.
func (e *Engine) Apply(ctx context.Context, cmd event.Command) (Result, error) {
	switch c := cmd.(type) {
	case *event.InitializePool:
		return e.InitializePool(ctx, c)
	case *event.OpenUserAccount:
		return e.OpenUserAccount(ctx, c)
	case *event.Allocate:
		return e.Allocate(ctx, c)
	case *event.Deallocate:
		return e.Deallocate(ctx, c)
	case *event.DepositEnergy:
		return e.DepositEnergy(ctx, c)
	case *event.WithdrawEnergy:
		return e.WithdrawEnergy(ctx, c)
	default:
		return Result{}, fmt.Errorf("unsupported command %T", cmd)
	}
}

// InitializePool creates a pool with its whole capacity available.
func (e *Engine) InitializePool(ctx context.Context, cmd *event.InitializePool) (Result, error) {
	leave, err := e.enter()
	if err != nil {
		return Result{}, err
	}
	defer leave()

	ctx, span := e.startSpan(ctx, cmd, uuid.Nil, cmd.Capacity)
	defer span.End()
	start := time.Now()

	unlock, err := e.lock(ctx, func(ctx context.Context) (lock.Unlock, error) {
		return e.locker.LockPool(ctx, cmd.PoolID)
	})
	if err != nil {
		return e.reject(span, cmd, start, err)
	}
	defer unlock()

	if res, done, err := e.replay(ctx, cmd); done {
		return res, e.finishReplay(span, cmd, start, err)
	}

	pool := battery.NewPool(cmd.PoolID, cmd.Owner, cmd.Capacity)
	if err := e.provision(ctx, custody.PoolCustody(pool.ID), custody.PoolAuthority(pool.ID)); err != nil {
		return e.reject(span, cmd, start, err)
	}

	var rec event.OperationRecord
	err = e.store.CreatePool(ctx, pool, store.WithRecord(func(p *battery.Pool, _ *battery.UserAccount) event.OperationRecord {
		rec = e.newRecord(cmd, uuid.Nil, cmd.Capacity, p, battery.NewUserAccount(p.ID, uuid.Nil))
		return rec
	}))
	if err != nil {
		if res, done, rerr := e.committedElsewhere(ctx, cmd, err); done {
			return res, e.finishReplay(span, cmd, start, rerr)
		}
		return e.reject(span, cmd, start, err)
	}

	e.publish(rec)
	return e.accept(span, cmd, start, rec)
}

// OpenUserAccount creates the zeroed account of a (pool, user) pair.
func (e *Engine) OpenUserAccount(ctx context.Context, cmd *event.OpenUserAccount) (Result, error) {
	leave, err := e.enter()
	if err != nil {
		return Result{}, err
	}
	defer leave()

	ctx, span := e.startSpan(ctx, cmd, cmd.UserID, 0)
	defer span.End()
	start := time.Now()

	unlock, err := e.lock(ctx, func(ctx context.Context) (lock.Unlock, error) {
		return e.locker.LockPair(ctx, cmd.PoolID, cmd.UserID)
	})
	if err != nil {
		return e.reject(span, cmd, start, err)
	}
	defer unlock()

	if res, done, err := e.replay(ctx, cmd); done {
		return res, e.finishReplay(span, cmd, start, err)
	}

	pool, err := e.store.GetPool(ctx, cmd.PoolID)
	if err != nil {
		return e.reject(span, cmd, start, err)
	}
	if err := e.provision(ctx, custody.UserCustody(cmd.UserID), cmd.UserID); err != nil {
		return e.reject(span, cmd, start, err)
	}

	account := battery.NewUserAccount(cmd.PoolID, cmd.UserID)
	var rec event.OperationRecord
	err = e.store.CreateUserAccount(ctx, account, store.WithRecord(func(_ *battery.Pool, u *battery.UserAccount) event.OperationRecord {
		rec = e.newRecord(cmd, cmd.UserID, 0, pool, u)
		return rec
	}))
	if err != nil {
		if res, done, rerr := e.committedElsewhere(ctx, cmd, err); done {
			return res, e.finishReplay(span, cmd, start, rerr)
		}
		return e.reject(span, cmd, start, err)
	}

	e.publish(rec)
	return e.accept(span, cmd, start, rec)
}

// Allocate reserves spare pool capacity for the user.
func (e *Engine) Allocate(ctx context.Context, cmd *event.Allocate) (Result, error) {
	return e.transition(ctx, cmd, &cmd.Transition, func(_ context.Context, p *battery.Pool, u *battery.UserAccount) (*moved, error) {
		return nil, battery.Allocate(p, u, cmd.Amount)
	})
}

// Deallocate returns a reservation to the pool.
func (e *Engine) Deallocate(ctx context.Context, cmd *event.Deallocate) (Result, error) {
	return e.transition(ctx, cmd, &cmd.Transition, func(_ context.Context, p *battery.Pool, u *battery.UserAccount) (*moved, error) {
		return nil, battery.Deallocate(p, u, cmd.Amount)
	})
}

// DepositEnergy moves tokens from the user's custody into the pool's and
// credits the user's energy balance.
func (e *Engine) DepositEnergy(ctx context.Context, cmd *event.DepositEnergy) (Result, error) {
	return e.transition(ctx, cmd, &cmd.Transition, func(ctx context.Context, p *battery.Pool, u *battery.UserAccount) (*moved, error) {
		if err := battery.Deposit(p, u, cmd.Amount); err != nil {
			return nil, err
		}
		m := &moved{
			req: custody.TransferRequest{
				ID:        event.TransferIDFor(cmd.Key()),
				From:      custody.UserCustody(u.UserID),
				To:        custody.PoolCustody(p.ID),
				Authority: u.UserID,
				Amount:    cmd.Amount,
			},
			reverseAuthority: custody.PoolAuthority(p.ID),
			direction:        "deposit",
		}
		if err := e.transfer(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	})
}

// WithdrawEnergy moves tokens from the pool's custody back to the user,
// signed by the pool authority, and debits the user's energy balance.
func (e *Engine) WithdrawEnergy(ctx context.Context, cmd *event.WithdrawEnergy) (Result, error) {
	return e.transition(ctx, cmd, &cmd.Transition, func(ctx context.Context, p *battery.Pool, u *battery.UserAccount) (*moved, error) {
		if err := battery.Withdraw(p, u, cmd.Amount); err != nil {
			return nil, err
		}
		m := &moved{
			req: custody.TransferRequest{
				ID:        event.TransferIDFor(cmd.Key()),
				From:      custody.PoolCustody(p.ID),
				To:        custody.UserCustody(u.UserID),
				Authority: custody.PoolAuthority(p.ID),
				Amount:    cmd.Amount,
			},
			reverseAuthority: u.UserID,
			direction:        "withdraw",
		}
		if err := e.transfer(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	})
}

// moved is a transfer that succeeded inside an update.
type moved struct {
	req              custody.TransferRequest
	reverseAuthority uuid.UUID
	direction        string
}

type pairUpdate func(ctx context.Context, p *battery.Pool, u *battery.UserAccount) (*moved, error)

func (e *Engine) transition(ctx context.Context, cmd event.Command, t *event.Transition, apply pairUpdate) (Result, error) {
	leave, err := e.enter()
	if err != nil {
		return Result{}, err
	}
	defer leave()

	ctx, span := e.startSpan(ctx, cmd, t.UserID, t.Amount)
	defer span.End()
	start := time.Now()

	unlock, err := e.lock(ctx, func(ctx context.Context) (lock.Unlock, error) {
		return e.locker.LockPair(ctx, t.PoolID, t.UserID)
	})
	if err != nil {
		return e.reject(span, cmd, start, err)
	}
	defer unlock()

	if res, done, err := e.replay(ctx, cmd); done {
		return res, e.finishReplay(span, cmd, start, err)
	}

	var (
		transfer *moved
		rec      event.OperationRecord
	)
	err = e.store.Update(ctx, t.PoolID, t.UserID, func(p *battery.Pool, u *battery.UserAccount) error {
		m, err := apply(ctx, p, u)
		if err != nil {
			return err
		}
		transfer = m
		return nil
	}, store.WithRecord(func(p *battery.Pool, u *battery.UserAccount) event.OperationRecord {
		rec = e.newRecord(cmd, t.UserID, t.Amount, p, u)
		return rec
	}))
	if err != nil {
		// The key's transfer id was already applied by the original commit,
		// so custody moved nothing this time and there is nothing to reverse.
		if res, done, rerr := e.committedElsewhere(ctx, cmd, err); done {
			return res, e.finishReplay(span, cmd, start, rerr)
		}
		if errors.Is(err, store.ErrCommit) {
			if e.metrics != nil {
				e.metrics.StoreCommitErrors.WithLabelValues(cmd.Type().String()).Inc()
			}
			if transfer != nil {
				err = errors.Join(err, e.compensate(ctx, transfer))
			}
		}
		return e.reject(span, cmd, start, err)
	}

	e.publish(rec)
	return e.accept(span, cmd, start, rec)
}

func (e *Engine) lock(ctx context.Context, acquire func(context.Context) (lock.Unlock, error)) (lock.Unlock, error) {
	start := time.Now()
	unlock, err := acquire(ctx)
	if e.metrics != nil {
		e.metrics.LockWait.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("acquire record locks: %w", err)
	}
	return unlock, nil
}

// committedElsewhere resolves ErrKeyCommitted, raised when the key was
// committed by a writer that this engine's idempotency tiers had not seen.
func (e *Engine) committedElsewhere(ctx context.Context, cmd event.Command, err error) (Result, bool, error) {
	if !errors.Is(err, store.ErrKeyCommitted) {
		return Result{}, false, nil
	}
	return e.replay(ctx, cmd)
}

// replay reports done when cmd's key was already committed.
func (e *Engine) replay(ctx context.Context, cmd event.Command) (Result, bool, error) {
	rec, err := e.idempotency.Lookup(ctx, cmd)
	if rec == nil {
		return Result{}, false, nil
	}
	return Result{Record: *rec, Duplicate: true}, true, err
}

func (e *Engine) finishReplay(span trace.Span, cmd event.Command, start time.Time, err error) error {
	if err != nil {
		_, err = e.reject(span, cmd, start, err)
		return err
	}
	span.SetAttributes(attribute.Bool("duplicate", true))
	e.logger.Debug().
		Str("op", cmd.Type().String()).
		Stringer("key", cmd.Key()).
		Msg("duplicate command, returning recorded result")
	return nil
}

func (e *Engine) transfer(ctx context.Context, m *moved) error {
	ctx, span := e.tracer.Start(ctx, "custody.transfer", trace.WithAttributes(
		attribute.String("transfer.id", m.req.ID.String()),
		attribute.String("transfer.direction", m.direction),
	))
	defer span.End()

	start := time.Now()
	err := e.custody.Transfer(ctx, m.req)
	if e.metrics != nil {
		e.metrics.TransferDuration.WithLabelValues(m.direction).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer failed")
		if e.metrics != nil {
			e.metrics.TransferFailures.WithLabelValues(m.direction).Inc()
		}
		e.logger.Warn().Err(err).Stringer("transfer", m.req).Msg("custody transfer failed")
		return fmt.Errorf("%w: %w", battery.ErrTransferFailed, err)
	}
	return nil
}

// compensate reverses a transfer whose ledger commit failed. It runs even if
// the caller's context is already cancelled.
func (e *Engine) compensate(ctx context.Context, m *moved) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.compensationTimeout)
	defer cancel()

	reverse := m.req.Reverse(m.reverseAuthority)
	if err := e.custody.Transfer(ctx, reverse); err != nil {
		if e.metrics != nil {
			e.metrics.Compensations.WithLabelValues("failed").Inc()
		}
		e.logger.Error().Err(err).
			Stringer("transfer", m.req).
			Stringer("reverse", reverse).
			Msg("compensating transfer failed, custody and ledger disagree")
		return fmt.Errorf("compensate %s: %w", m.req.ID, err)
	}

	if e.metrics != nil {
		e.metrics.Compensations.WithLabelValues("ok").Inc()
	}
	e.logger.Warn().Stringer("transfer", m.req).Msg("ledger commit failed, transfer reversed")
	return nil
}

func (e *Engine) provision(ctx context.Context, account custody.AccountID, authority uuid.UUID) error {
	p, ok := e.custody.(custody.Provisioner)
	if !ok {
		return nil
	}
	if err := p.Provision(ctx, account, authority); err != nil {
		return fmt.Errorf("provision custody %s: %w", account, err)
	}
	return nil
}

// newRecord assigns the next sequence and digests the post-commit records.
// The store calls it inside the write, so a write that then fails leaves a
// gap in the sequence. Callers hold the record locks, so records of one pair
// are numbered in commit order.
func (e *Engine) newRecord(cmd event.Command, userID uuid.UUID, amount uint64, p *battery.Pool, u *battery.UserAccount) event.OperationRecord {
	rec := event.OperationRecord{
		RecordID:          event.RecordIDFor(cmd.Key()),
		Sequence:          e.sequence.Add(1),
		IdempotencyKey:    cmd.Key(),
		Op:                cmd.Type(),
		PoolID:            p.ID,
		UserID:            userID,
		Amount:            amount,
		PoolCapacity:      p.Capacity,
		PoolAvailable:     p.Available,
		UserAllocated:     u.Allocated,
		UserEnergyBalance: u.EnergyBalance,
		CommittedAt:       e.now().UTC(),
	}
	digest := e.hasher.Digest(&rec, p, u)
	rec.Digest = digest[:]
	return rec
}

// publish remembers the key of a committed record and hands the record to
// the output channels.
func (e *Engine) publish(rec event.OperationRecord) {
	e.idempotency.MarkProcessed(rec)

	// Journal: blocking send, the engine stalls until the worker drains.
	if e.journalChan != nil {
		e.journalChan <- rec
	}

	// Publisher: non-blocking send, drop on full.
	if e.publishChan != nil {
		select {
		case e.publishChan <- rec:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) startSpan(ctx context.Context, cmd event.Command, userID uuid.UUID, amount uint64) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+cmd.Type().String(), trace.WithAttributes(
		attribute.String("pool_id", cmd.Pool().String()),
		attribute.String("user_id", userID.String()),
		attribute.String("amount", strconv.FormatUint(amount, 10)),
		attribute.String("idempotency_key", cmd.Key().String()),
	))
}

func (e *Engine) accept(span trace.Span, cmd event.Command, start time.Time, rec event.OperationRecord) (Result, error) {
	op := cmd.Type().String()
	span.SetAttributes(attribute.Int64("sequence", rec.Sequence))

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.Sequence.Set(float64(rec.Sequence))
	}

	e.logger.Debug().
		Str("op", op).
		Int64("sequence", rec.Sequence).
		Stringer("pool_id", rec.PoolID).
		Stringer("user_id", rec.UserID).
		Uint64("amount", rec.Amount).
		Uint64("available", rec.PoolAvailable).
		Msg("operation committed")

	return Result{Record: rec}, nil
}

// reject returns err unchanged; both records are in their last committed state.
func (e *Engine) reject(span trace.Span, cmd event.Command, start time.Time, err error) (Result, error) {
	op := cmd.Type().String()
	reason := battery.Reason(err)
	if errors.Is(err, ErrKeyReused) {
		reason = "key_reused"
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, reason)

	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	e.logger.Debug().Err(err).
		Str("op", op).
		Str("reason", reason).
		Stringer("pool_id", cmd.Pool()).
		Msg("operation rejected")

	return Result{}, err
}
