package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker around a remote custody backend.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32        // probes allowed while half-open
	Interval            time.Duration // closed-state counter reset period
	Timeout             time.Duration // open-state duration before probing
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "custody",
		MaxRequests:         1,
		Interval:            30 * time.Second,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerTransferer fails fast while the wrapped backend is unhealthy.
// Business rejections (unauthorized, insufficient funds, unknown account) are
// reported to the caller but do not count against the backend's health.
type BreakerTransferer struct {
	next    Transferer
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func NewBreakerTransferer(next Transferer, cfg BreakerConfig, logger zerolog.Logger, onState func(name string, to gobreaker.State)) *BreakerTransferer {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isRejection(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("custody circuit breaker state changed")
			if onState != nil {
				onState(name, to)
			}
		},
	}

	return &BreakerTransferer{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (b *BreakerTransferer) Transfer(ctx context.Context, req TransferRequest) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Transfer(ctx, req)
	})
	return translateBreakerErr(err)
}

// Provision forwards to the wrapped backend when it supports provisioning.
func (b *BreakerTransferer) Provision(ctx context.Context, account AccountID, authority uuid.UUID) error {
	p, ok := b.next.(Provisioner)
	if !ok {
		return nil
	}
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, p.Provision(ctx, account, authority)
	})
	return translateBreakerErr(err)
}

// State returns the current breaker state.
func (b *BreakerTransferer) State() gobreaker.State {
	return b.breaker.State()
}

func translateBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func isRejection(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrUnknownAccount) ||
		errors.Is(err, ErrTransferReused)
}
