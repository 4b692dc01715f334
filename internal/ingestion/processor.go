package ingestion

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"EnergyLedger/internal/battery"
	"EnergyLedger/internal/core"
	"EnergyLedger/internal/custody"
	"EnergyLedger/internal/event"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/store"
)

// Applier is the part of core.Engine the processor needs.
type Applier interface {
	Apply(ctx context.Context, cmd event.Command) (core.Result, error)
}

// Processor drains RawEvents, applies them and settles the NATS message.
// Ledger rejections are acknowledged; infrastructure failures are NAKed so
// JetStream redelivers them.
type Processor struct {
	engine  Applier
	rawChan <-chan RawEvent
	workers int
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewProcessor(engine Applier, rawChan <-chan RawEvent, workers int, metrics *observability.Metrics, logger zerolog.Logger) *Processor {
	if workers < 1 {
		workers = 1
	}
	return &Processor{
		engine:  engine,
		rawChan: rawChan,
		workers: workers,
		metrics: metrics,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled or rawChan is closed.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-p.rawChan:
			if !ok {
				return
			}
			p.handle(ctx, raw)
		}
	}
}

func (p *Processor) handle(ctx context.Context, raw RawEvent) {
	if p.metrics != nil {
		p.metrics.CommandsReceived.WithLabelValues("nats", raw.Op.String()).Inc()
	}

	cmd, err := ParseRawEvent(raw)
	if err != nil {
		// Redelivering a malformed payload cannot succeed.
		if p.metrics != nil {
			p.metrics.CommandsInvalid.Inc()
		}
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping invalid command")
		settle(raw.AckFunc)
		return
	}

	res, err := p.engine.Apply(ctx, cmd)
	switch {
	case err == nil:
		p.logger.Debug().
			Str("op", raw.Op.String()).
			Int64("sequence", res.Record.Sequence).
			Bool("duplicate", res.Duplicate).
			Msg("command applied")
		settle(raw.AckFunc)
	case Retryable(err):
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command failed, requesting redelivery")
		settle(raw.NakFunc)
	default:
		p.logger.Info().
			Err(err).
			Str("op", raw.Op.String()).
			Str("reason", battery.Reason(err)).
			Str("key", cmd.Key().String()).
			Msg("command rejected")
		settle(raw.AckFunc)
	}
}

// Retryable reports whether err came from infrastructure rather than from
// the ledger rules, so the same command may succeed later.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrCommit), errors.Is(err, custody.ErrUnavailable), errors.Is(err, core.ErrEngineClosed),
		errors.Is(err, store.ErrKeyCommitted):
		return true
	case errors.Is(err, core.ErrKeyReused):
		return false
	default:
		return battery.Reason(err) == "internal"
	}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
