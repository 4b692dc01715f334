package custody

import (
	"context"
	"fmt"
	"strings"
	"sync"

	fpmath "EnergyLedger/internal/math"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process token ledger. It backs development runs and
// tests, and can be served over NATS with ServeNATS.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[AccountID]uint64
	owners   map[AccountID]uuid.UUID
	applied  map[uuid.UUID]appliedTransfer

	userGrant uint64
}

type transferState uint8

type appliedTransfer struct {
	req   TransferRequest
	state transferState
}

const (
	transferApplied transferState = iota + 1
	transferReversed
)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[AccountID]uint64),
		owners:   make(map[AccountID]uuid.UUID),
		applied:  make(map[uuid.UUID]appliedTransfer),
	}
}

// SetUserGrant credits every user account opened from now on with amount
// tokens. Development runs use it in place of a real token faucet.
func (m *MemoryLedger) SetUserGrant(amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userGrant = amount
}

// Provision opens account under authority. Re-provisioning an existing
// account with the same authority is a no-op.
func (m *MemoryLedger) Provision(_ context.Context, account AccountID, authority uuid.UUID) error {
	if !account.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.owners[account]; ok {
		if owner != authority {
			return fmt.Errorf("%w: %s already owned", ErrUnauthorized, account)
		}
		return nil
	}
	m.owners[account] = authority
	m.balances[account] = 0
	if strings.HasPrefix(string(account), "user:") {
		m.balances[account] = m.userGrant
	}
	return nil
}

// Mint credits amount to an already provisioned account.
func (m *MemoryLedger) Mint(account AccountID, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.owners[account]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	balance, err := fpmath.CheckedAdd(m.balances[account], amount)
	if err != nil {
		return fmt.Errorf("mint %s: %w", account, err)
	}
	m.balances[account] = balance
	return nil
}

// Balance returns the token balance of account.
func (m *MemoryLedger) Balance(account AccountID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// Transfer implements Transferer. A request ID that was already applied is
// acknowledged without moving tokens again. A reversal moves tokens only while
// the transfer it names is applied, and afterwards that transfer ID may be
// applied afresh.
func (m *MemoryLedger) Transfer(_ context.Context, req TransferRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reversal := req.Reverses != uuid.Nil
	if reversal && m.applied[req.Reverses].state != transferApplied {
		return nil
	}
	if prev, ok := m.applied[req.ID]; ok && !reversal {
		if prev.req.From != req.From || prev.req.To != req.To || prev.req.Amount != req.Amount {
			return fmt.Errorf("%w: %s", ErrTransferReused, req.ID)
		}
		if prev.state == transferApplied {
			return nil
		}
	}

	owner, ok := m.owners[req.From]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, req.From)
	}
	if _, ok := m.owners[req.To]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, req.To)
	}
	if owner != req.Authority {
		return fmt.Errorf("%w: %s", ErrUnauthorized, req.From)
	}

	from, err := fpmath.CheckedSub(m.balances[req.From], req.Amount)
	if err != nil {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientFunds, m.balances[req.From], req.Amount)
	}
	if req.From != req.To {
		to, err := fpmath.CheckedAdd(m.balances[req.To], req.Amount)
		if err != nil {
			return fmt.Errorf("credit %s: %w", req.To, err)
		}
		m.balances[req.From] = from
		m.balances[req.To] = to
	}

	if reversal {
		orig := m.applied[req.Reverses]
		orig.state = transferReversed
		m.applied[req.Reverses] = orig
	} else {
		m.applied[req.ID] = appliedTransfer{req: req, state: transferApplied}
	}
	return nil
}
