package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnergyLedger/internal/core"
	"EnergyLedger/internal/custody"
	"EnergyLedger/internal/event"
	"EnergyLedger/internal/ingestion"
	"EnergyLedger/internal/lock"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/store"
	"EnergyLedger/internal/testutil"
)

// Commands published on JetStream are applied and their records come back
// on the outbound stream.
func TestJetStreamCommandPipeline(t *testing.T) {
	nc := testutil.SetupTestNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, ingestion.EnsureStreams(ctx, js))
	require.NoError(t, ingestion.EnsureOutboundStream(ctx, js))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	idem, err := core.NewIdempotencyChecker(128, nil, metrics, zerolog.Nop())
	require.NoError(t, err)

	publishChan := make(chan event.OperationRecord, 16)
	engine := core.NewEngine(store.NewMemoryStore(), lock.NewLocalLocker(), custody.NewMemoryLedger(), idem,
		core.WithMetrics(metrics),
		core.WithPublisher(publishChan),
	)

	rawChan := make(chan ingestion.RawEvent, 16)
	sub := ingestion.NewNATSSubscriber(js, rawChan, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultSubjects()))
	defer sub.Stop()

	go func() { _ = ingestion.NewProcessor(engine, rawChan, 2, metrics, zerolog.Nop()).Run(ctx) }()
	go func() { _ = ingestion.NewOutboundPublisher(js, publishChan, zerolog.Nop()).Run(ctx) }()

	poolID, userID := uuid.New(), uuid.New()
	publish := func(op event.OpType, payload map[string]interface{}) {
		payload["idempotency_key"] = uuid.New()
		payload["pool_id"] = poolID
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		_, err = js.Publish(ctx, ingestion.CommandSubject(op, poolID.String()), data)
		require.NoError(t, err)
	}

	outbound, err := js.CreateOrUpdateConsumer(ctx, ingestion.OutboundStream, jetstream.ConsumerConfig{
		FilterSubject: ingestion.OutboundSubjectRoot + ".*." + poolID.String(),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	require.NoError(t, err)

	next := func() event.OperationRecord {
		t.Helper()
		msg, err := outbound.Next(jetstream.FetchMaxWait(10 * time.Second))
		require.NoError(t, err)
		require.NoError(t, msg.Ack())
		var rec event.OperationRecord
		require.NoError(t, json.Unmarshal(msg.Data(), &rec))
		return rec
	}

	// Per-pool ordering is not guaranteed across consumers, so wait for each
	// record before sending the command that depends on it.
	publish(event.OpInitializePool, map[string]interface{}{"owner": uuid.New(), "capacity": 1000})
	assert.Equal(t, event.OpInitializePool, next().Op)

	publish(event.OpOpenUserAccount, map[string]interface{}{"user_id": userID})
	assert.Equal(t, event.OpOpenUserAccount, next().Op)

	publish(event.OpAllocate, map[string]interface{}{"user_id": userID, "amount": 400})
	rec := next()
	assert.Equal(t, event.OpAllocate, rec.Op)
	assert.Equal(t, uint64(600), rec.PoolAvailable)
	assert.Equal(t, uint64(400), rec.UserAllocated)
}
