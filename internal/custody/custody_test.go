package custody_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"EnergyLedger/internal/custody"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func provisioned(t *testing.T) (*custody.MemoryLedger, uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	ledger := custody.NewMemoryLedger()
	userID, poolID := uuid.New(), uuid.New()

	require.NoError(t, ledger.Provision(ctx, custody.UserCustody(userID), userID))
	require.NoError(t, ledger.Provision(ctx, custody.PoolCustody(poolID), custody.PoolAuthority(poolID)))
	require.NoError(t, ledger.Mint(custody.UserCustody(userID), 500))
	return ledger, userID, poolID
}

func TestPoolAuthority_DeterministicAndDistinct(t *testing.T) {
	poolID := uuid.New()
	assert.Equal(t, custody.PoolAuthority(poolID), custody.PoolAuthority(poolID))
	assert.NotEqual(t, poolID, custody.PoolAuthority(poolID))
	assert.NotEqual(t, custody.PoolAuthority(poolID), custody.PoolAuthority(uuid.New()))
}

func TestMemoryLedger_Transfer(t *testing.T) {
	ledger, userID, poolID := provisioned(t)

	err := ledger.Transfer(context.Background(), custody.TransferRequest{
		ID:        uuid.New(),
		From:      custody.UserCustody(userID),
		To:        custody.PoolCustody(poolID),
		Authority: userID,
		Amount:    200,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(300), ledger.Balance(custody.UserCustody(userID)))
	assert.Equal(t, uint64(200), ledger.Balance(custody.PoolCustody(poolID)))
}

func TestMemoryLedger_TransferIsExactlyOncePerID(t *testing.T) {
	ledger, userID, poolID := provisioned(t)
	req := custody.TransferRequest{
		ID:        uuid.New(),
		From:      custody.UserCustody(userID),
		To:        custody.PoolCustody(poolID),
		Authority: userID,
		Amount:    100,
	}

	require.NoError(t, ledger.Transfer(context.Background(), req))
	require.NoError(t, ledger.Transfer(context.Background(), req))
	assert.Equal(t, uint64(400), ledger.Balance(custody.UserCustody(userID)))
}

func TestMemoryLedger_Rejections(t *testing.T) {
	ledger, userID, poolID := provisioned(t)
	ctx := context.Background()

	err := ledger.Transfer(ctx, custody.TransferRequest{
		ID: uuid.New(), From: custody.PoolCustody(poolID), To: custody.UserCustody(userID),
		Authority: userID, Amount: 1,
	})
	assert.ErrorIs(t, err, custody.ErrUnauthorized)

	err = ledger.Transfer(ctx, custody.TransferRequest{
		ID: uuid.New(), From: custody.UserCustody(userID), To: custody.PoolCustody(poolID),
		Authority: userID, Amount: 501,
	})
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)

	err = ledger.Transfer(ctx, custody.TransferRequest{
		ID: uuid.New(), From: custody.UserCustody(uuid.New()), To: custody.PoolCustody(poolID),
		Authority: userID, Amount: 1,
	})
	assert.ErrorIs(t, err, custody.ErrUnknownAccount)

	assert.Equal(t, uint64(500), ledger.Balance(custody.UserCustody(userID)))
}

func TestMemoryLedger_ProvisionOwnership(t *testing.T) {
	ledger := custody.NewMemoryLedger()
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, ledger.Provision(ctx, custody.UserCustody(userID), userID))
	require.NoError(t, ledger.Provision(ctx, custody.UserCustody(userID), userID))
	assert.ErrorIs(t, ledger.Provision(ctx, custody.UserCustody(userID), uuid.New()), custody.ErrUnauthorized)
	assert.ErrorIs(t, ledger.Provision(ctx, custody.AccountID("bogus"), userID), custody.ErrUnknownAccount)
}

func TestMemoryLedger_UserGrant(t *testing.T) {
	ledger := custody.NewMemoryLedger()
	ledger.SetUserGrant(250)
	ctx := context.Background()
	userID, poolID := uuid.New(), uuid.New()

	require.NoError(t, ledger.Provision(ctx, custody.UserCustody(userID), userID))
	require.NoError(t, ledger.Provision(ctx, custody.PoolCustody(poolID), custody.PoolAuthority(poolID)))
	assert.Equal(t, uint64(250), ledger.Balance(custody.UserCustody(userID)))
	assert.Equal(t, uint64(0), ledger.Balance(custody.PoolCustody(poolID)))

	// Re-provisioning does not grant twice.
	require.NoError(t, ledger.Provision(ctx, custody.UserCustody(userID), userID))
	assert.Equal(t, uint64(250), ledger.Balance(custody.UserCustody(userID)))
}

func TestTransferRequest_Reverse(t *testing.T) {
	req := custody.TransferRequest{ID: uuid.New(), From: "user:a", To: "pool:b", Amount: 9}
	rev := req.Reverse(uuid.New())

	assert.Equal(t, req.To, rev.From)
	assert.Equal(t, req.From, rev.To)
	assert.Equal(t, req.Amount, rev.Amount)
	assert.NotEqual(t, req.ID, rev.ID)
	assert.Equal(t, rev.ID, req.Reverse(uuid.New()).ID)
	assert.Equal(t, req.ID, rev.Reverses)
}

func TestMemoryLedger_ReversalReopensTransferID(t *testing.T) {
	ledger, userID, poolID := provisioned(t)
	ctx := context.Background()
	req := custody.TransferRequest{
		ID:        uuid.New(),
		From:      custody.UserCustody(userID),
		To:        custody.PoolCustody(poolID),
		Authority: userID,
		Amount:    100,
	}
	rev := req.Reverse(custody.PoolAuthority(poolID))

	require.NoError(t, ledger.Transfer(ctx, req))
	require.NoError(t, ledger.Transfer(ctx, rev))
	require.NoError(t, ledger.Transfer(ctx, rev), "reversal is applied once")
	assert.Equal(t, uint64(500), ledger.Balance(custody.UserCustody(userID)))
	assert.Zero(t, ledger.Balance(custody.PoolCustody(poolID)))

	// The reversed transfer can be applied again, exactly once.
	require.NoError(t, ledger.Transfer(ctx, req))
	require.NoError(t, ledger.Transfer(ctx, req))
	assert.Equal(t, uint64(400), ledger.Balance(custody.UserCustody(userID)))
	assert.Equal(t, uint64(100), ledger.Balance(custody.PoolCustody(poolID)))
}

func TestMemoryLedger_TransferIDReusedWithOtherAmount(t *testing.T) {
	ledger, userID, poolID := provisioned(t)
	req := custody.TransferRequest{
		ID: uuid.New(), From: custody.UserCustody(userID), To: custody.PoolCustody(poolID),
		Authority: userID, Amount: 100,
	}
	require.NoError(t, ledger.Transfer(context.Background(), req))

	req.Amount = 200
	err := ledger.Transfer(context.Background(), req)
	assert.ErrorIs(t, err, custody.ErrTransferReused)
	assert.Equal(t, uint64(100), ledger.Balance(custody.PoolCustody(poolID)))
}

func TestMemoryLedger_ReversalOfUnknownTransferIsNoop(t *testing.T) {
	ledger, userID, poolID := provisioned(t)
	req := custody.TransferRequest{
		ID: uuid.New(), From: custody.UserCustody(userID), To: custody.PoolCustody(poolID),
		Authority: userID, Amount: 100,
	}

	require.NoError(t, ledger.Transfer(context.Background(), req.Reverse(custody.PoolAuthority(poolID))))
	assert.Equal(t, uint64(500), ledger.Balance(custody.UserCustody(userID)))
	assert.Zero(t, ledger.Balance(custody.PoolCustody(poolID)))
}

// ============================================================================
// Test: BreakerTransferer
// ============================================================================

func TestBreaker_OpensOnBackendFailures(t *testing.T) {
	calls := 0
	backend := custody.TransferFunc(func(context.Context, custody.TransferRequest) error {
		calls++
		return errors.New("connection reset")
	})

	var states []gobreaker.State
	cfg := custody.DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 3
	cfg.Timeout = time.Minute
	b := custody.NewBreakerTransferer(backend, cfg, zerolog.Nop(), func(_ string, to gobreaker.State) {
		states = append(states, to)
	})

	for i := 0; i < 3; i++ {
		require.Error(t, b.Transfer(context.Background(), custody.TransferRequest{ID: uuid.New()}))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Transfer(context.Background(), custody.TransferRequest{ID: uuid.New()})
	assert.ErrorIs(t, err, custody.ErrUnavailable)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, states)
}

func TestBreaker_RejectionsDoNotTrip(t *testing.T) {
	backend := custody.TransferFunc(func(context.Context, custody.TransferRequest) error {
		return custody.ErrInsufficientFunds
	})
	cfg := custody.DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	b := custody.NewBreakerTransferer(backend, cfg, zerolog.Nop(), nil)

	for i := 0; i < 5; i++ {
		err := b.Transfer(context.Background(), custody.TransferRequest{ID: uuid.New()})
		require.ErrorIs(t, err, custody.ErrInsufficientFunds)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_ForwardsProvision(t *testing.T) {
	ledger := custody.NewMemoryLedger()
	b := custody.NewBreakerTransferer(ledger, custody.DefaultBreakerConfig(), zerolog.Nop(), nil)
	userID := uuid.New()

	require.NoError(t, b.Provision(context.Background(), custody.UserCustody(userID), userID))
	require.NoError(t, ledger.Mint(custody.UserCustody(userID), 1))
}
