package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"EnergyLedger/internal/event"
)

const (
	CommandStream      = "ENERGY_COMMANDS"
	CommandSubjectRoot = "energy.commands"
)

// NATSSubscriber subscribes to JetStream command subjects and feeds raw
// messages to the processor via rawChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a received-but-unparsed command.
type RawEvent struct {
	Subject   string
	Op        event.OpType
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps a NATS subject to an operation.
type SubjectConfig struct {
	Subject      string
	Op           event.OpType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per operation. Subjects are
// energy.commands.<op>.<pool_id>.
func DefaultSubjects() []SubjectConfig {
	ops := []event.OpType{
		event.OpInitializePool,
		event.OpOpenUserAccount,
		event.OpAllocate,
		event.OpDeallocate,
		event.OpDepositEnergy,
		event.OpWithdrawEnergy,
	}

	subjects := make([]SubjectConfig, 0, len(ops))
	for _, op := range ops {
		subjects = append(subjects, SubjectConfig{
			Subject:      CommandSubject(op, "*"),
			Op:           op,
			ConsumerName: "ledger-" + op.String(),
			StreamName:   CommandStream,
		})
	}
	return subjects
}

// CommandSubject returns the subject a command for poolID is published on.
func CommandSubject(op event.OpType, poolID string) string {
	return fmt.Sprintf("%s.%s.%s", CommandSubjectRoot, op, poolID)
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		op := cfg.Op
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Op:        op,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       CommandStream,
		Subjects:   []string{CommandSubjectRoot + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("energyledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
