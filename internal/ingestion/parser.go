package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"EnergyLedger/internal/event"
)

// ErrInvalidCommand wraps every parse and validation failure.
var ErrInvalidCommand = errors.New("invalid command")

// ParseCommand converts a JSON payload into a typed event.Command.
func ParseCommand(op event.OpType, data []byte) (event.Command, error) {
	switch op {
	case event.OpInitializePool:
		return parseInitializePool(data)
	case event.OpOpenUserAccount:
		return parseOpenUserAccount(data)
	case event.OpAllocate, event.OpDeallocate, event.OpDepositEnergy, event.OpWithdrawEnergy:
		return parseTransition(op, data)
	default:
		return nil, fmt.Errorf("%w: unknown operation %s", ErrInvalidCommand, op)
	}
}

// ParseRawEvent parses a command received from NATS.
func ParseRawEvent(raw RawEvent) (event.Command, error) {
	return ParseCommand(raw.Op, raw.Data)
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// unsigned 64-bit integers.

type initializePoolJSON struct {
	IdempotencyKey string  `json:"idempotency_key"`
	PoolID         string  `json:"pool_id"`
	Owner          string  `json:"owner"`
	Capacity       *uint64 `json:"capacity"`
}

type openUserAccountJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	PoolID         string `json:"pool_id"`
	UserID         string `json:"user_id"`
}

type transitionJSON struct {
	IdempotencyKey string  `json:"idempotency_key"`
	PoolID         string  `json:"pool_id"`
	UserID         string  `json:"user_id"`
	Amount         *uint64 `json:"amount"`
}

func parseInitializePool(data []byte) (*event.InitializePool, error) {
	var j initializePoolJSON
	if err := decodeStrict(data, &j); err != nil {
		return nil, err
	}
	if j.Capacity == nil {
		return nil, fmt.Errorf("%w: capacity is required", ErrInvalidCommand)
	}

	key, err := parseID("idempotency_key", j.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	poolID, err := parseID("pool_id", j.PoolID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}

	return &event.InitializePool{
		IdempotencyKey: key,
		PoolID:         poolID,
		Owner:          owner,
		Capacity:       *j.Capacity,
	}, nil
}

func parseOpenUserAccount(data []byte) (*event.OpenUserAccount, error) {
	var j openUserAccountJSON
	if err := decodeStrict(data, &j); err != nil {
		return nil, err
	}

	key, err := parseID("idempotency_key", j.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	poolID, err := parseID("pool_id", j.PoolID)
	if err != nil {
		return nil, err
	}
	userID, err := parseID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}

	return &event.OpenUserAccount{IdempotencyKey: key, PoolID: poolID, UserID: userID}, nil
}

func parseTransition(op event.OpType, data []byte) (event.Command, error) {
	var j transitionJSON
	if err := decodeStrict(data, &j); err != nil {
		return nil, err
	}
	if j.Amount == nil {
		return nil, fmt.Errorf("%w: amount is required", ErrInvalidCommand)
	}

	key, err := parseID("idempotency_key", j.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	poolID, err := parseID("pool_id", j.PoolID)
	if err != nil {
		return nil, err
	}
	userID, err := parseID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}

	return event.NewTransition(op, key, poolID, userID, *j.Amount)
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidCommand, field, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %s must not be the nil UUID", ErrInvalidCommand, field)
	}
	return id, nil
}
