package custody_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnergyLedger/internal/custody"
	"EnergyLedger/internal/testutil"
)

func TestNATSTransferer_RoundTrip(t *testing.T) {
	nc := testutil.SetupTestNATS(t)
	ctx := context.Background()

	backend := custody.NewMemoryLedger()
	subs, err := custody.ServeNATS(nc, "", "", backend, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	})
	require.NoError(t, nc.Flush())

	client := custody.NewNATSTransferer(nc, "", "", time.Second)
	userID, poolID := uuid.New(), uuid.New()

	require.NoError(t, client.Provision(ctx, custody.UserCustody(userID), userID))
	require.NoError(t, client.Provision(ctx, custody.PoolCustody(poolID), custody.PoolAuthority(poolID)))
	require.NoError(t, backend.Mint(custody.UserCustody(userID), 100))

	req := custody.TransferRequest{
		ID:        uuid.New(),
		From:      custody.UserCustody(userID),
		To:        custody.PoolCustody(poolID),
		Authority: userID,
		Amount:    60,
	}
	require.NoError(t, client.Transfer(ctx, req))
	assert.Equal(t, uint64(40), backend.Balance(custody.UserCustody(userID)))
	assert.Equal(t, uint64(60), backend.Balance(custody.PoolCustody(poolID)))

	// Error kinds survive the wire.
	reused := req
	reused.Amount = 1
	assert.ErrorIs(t, client.Transfer(ctx, reused), custody.ErrTransferReused)

	req.ID, req.Amount = uuid.New(), 1000
	assert.ErrorIs(t, client.Transfer(ctx, req), custody.ErrInsufficientFunds)

	req.ID, req.Amount, req.Authority = uuid.New(), 1, uuid.New()
	assert.ErrorIs(t, client.Transfer(ctx, req), custody.ErrUnauthorized)
}

func TestNATSTransferer_NoResponders(t *testing.T) {
	nc := testutil.SetupTestNATS(t)

	client := custody.NewNATSTransferer(nc, "energy.custody.nobody", "", 200*time.Millisecond)
	err := client.Transfer(context.Background(), custody.TransferRequest{ID: uuid.New()})
	assert.ErrorIs(t, err, custody.ErrUnavailable)
}
