// Package custody models the external fungible-token ledger that backs energy
// balances. The battery ledger only ever talks to it through Transferer.
package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnknownAccount    = errors.New("unknown custody account")
	ErrUnauthorized      = errors.New("authority does not control the source account")
	ErrInsufficientFunds = errors.New("insufficient token funds")
	ErrUnavailable       = errors.New("custody service unavailable")
	ErrTransferReused    = errors.New("transfer id reused with different parameters")
)

// poolAuthorityNamespace seeds the derived signing identity of every pool.
var poolAuthorityNamespace = uuid.MustParse("6f1c8a52-3d0e-4b7a-9f55-2c1e0d9b7a41")

// AccountID names a token-holding account.
type AccountID string

// UserCustody is the token account attributed to a user.
func UserCustody(userID uuid.UUID) AccountID {
	return AccountID("user:" + userID.String())
}

// PoolCustody is the token account attributed to a pool.
func PoolCustody(poolID uuid.UUID) AccountID {
	return AccountID("pool:" + poolID.String())
}

// PoolAuthority is the pool-controlled signing identity that authorizes
// transfers out of pool custody. It is derived from the pool ID and never
// held by a user.
func PoolAuthority(poolID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(poolAuthorityNamespace, poolID[:])
}

// Valid reports whether the account ID has a known scope prefix.
func (a AccountID) Valid() bool {
	return strings.HasPrefix(string(a), "user:") || strings.HasPrefix(string(a), "pool:")
}

// TransferRequest moves Amount units from From to To, signed by Authority.
// Backends apply a given ID at most once. Reverses names the transfer a
// compensating request undoes.
type TransferRequest struct {
	ID        uuid.UUID `json:"id"`
	From      AccountID `json:"from"`
	To        AccountID `json:"to"`
	Authority uuid.UUID `json:"authority"`
	Amount    uint64    `json:"amount"`
	Reverses  uuid.UUID `json:"reverses,omitempty"`
}

func (r TransferRequest) String() string {
	return fmt.Sprintf("transfer %s: %s -> %s amount=%d", r.ID, r.From, r.To, r.Amount)
}

// Transferer is the token-transfer collaborator. A call either moves the
// whole amount or returns an error and moves nothing.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) error
}

// Provisioner is implemented by custody backends that need accounts opened
// before they can receive tokens.
type Provisioner interface {
	Provision(ctx context.Context, account AccountID, authority uuid.UUID) error
}

// TransferFunc adapts a function to Transferer.
type TransferFunc func(ctx context.Context, req TransferRequest) error

func (f TransferFunc) Transfer(ctx context.Context, req TransferRequest) error {
	return f(ctx, req)
}

// Reverse returns the compensating request for r.
func (r TransferRequest) Reverse(authority uuid.UUID) TransferRequest {
	return TransferRequest{
		ID:        uuid.NewSHA1(r.ID, []byte("reverse")),
		From:      r.To,
		To:        r.From,
		Authority: authority,
		Amount:    r.Amount,
		Reverses:  r.ID,
	}
}
