package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"EnergyLedger/internal/event"
)

const (
	OutboundStream      = "ENERGY_LEDGER_EVENTS"
	OutboundSubjectRoot = "energy.ledger.events"
)

// StreamPublisher is the JetStream publish call. jetstream.JetStream
// satisfies it.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed operation records for downstream
// consumers on energy.ledger.events.<op>.<pool_id>.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan event.OperationRecord
	logger    zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan event.OperationRecord, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// OutboundSubject returns the subject rec is published on.
func OutboundSubject(rec event.OperationRecord) string {
	return fmt.Sprintf("%s.%s.%s", OutboundSubjectRoot, rec.Op, rec.PoolID)
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, rec); err != nil {
				// Non-fatal: the operation log is authoritative.
				op.logger.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rec event.OperationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// Record IDs are derived from idempotency keys, so JetStream drops
	// republished duplicates inside its window.
	_, err = op.js.Publish(ctx, OutboundSubject(rec), data, jetstream.WithMsgID(rec.RecordID.String()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{OutboundSubjectRoot + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", OutboundStream, err)
	}
	return nil
}
