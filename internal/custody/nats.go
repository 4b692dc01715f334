package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Default request/reply subjects of a NATS-hosted custody service.
const (
	DefaultTransferSubject  = "energy.custody.transfer"
	DefaultProvisionSubject = "energy.custody.provision"
)

// Wire codes carried in replies so rejections keep their identity across NATS.
const (
	codeOK             = ""
	codeUnknownAccount = "unknown_account"
	codeUnauthorized   = "unauthorized"
	codeInsufficient   = "insufficient_funds"
	codeReused         = "transfer_reused"
	codeInternal       = "internal"
)

type provisionRequest struct {
	Account   AccountID `json:"account"`
	Authority uuid.UUID `json:"authority"`
}

type reply struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NATSTransferer calls a custody service over NATS request/reply.
type NATSTransferer struct {
	nc               *nats.Conn
	transferSubject  string
	provisionSubject string
	timeout          time.Duration
}

func NewNATSTransferer(nc *nats.Conn, transferSubject, provisionSubject string, timeout time.Duration) *NATSTransferer {
	if transferSubject == "" {
		transferSubject = DefaultTransferSubject
	}
	if provisionSubject == "" {
		provisionSubject = DefaultProvisionSubject
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSTransferer{
		nc:               nc,
		transferSubject:  transferSubject,
		provisionSubject: provisionSubject,
		timeout:          timeout,
	}
}

func (t *NATSTransferer) Transfer(ctx context.Context, req TransferRequest) error {
	return t.request(ctx, t.transferSubject, req)
}

func (t *NATSTransferer) Provision(ctx context.Context, account AccountID, authority uuid.UUID) error {
	return t.request(ctx, t.provisionSubject, provisionRequest{Account: account, Authority: authority})
}

func (t *NATSTransferer) request(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal custody request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	msg, err := t.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, subject, err)
	}

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return fmt.Errorf("decode custody reply: %w", err)
	}
	return decodeCode(r)
}

// ServeNATS exposes a custody backend on the transfer and provision subjects.
// The returned subscriptions are drained by the caller on shutdown.
func ServeNATS(nc *nats.Conn, transferSubject, provisionSubject string, backend Transferer, logger zerolog.Logger) ([]*nats.Subscription, error) {
	if transferSubject == "" {
		transferSubject = DefaultTransferSubject
	}
	if provisionSubject == "" {
		provisionSubject = DefaultProvisionSubject
	}

	transferSub, err := nc.Subscribe(transferSubject, func(msg *nats.Msg) {
		var req TransferRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(msg, reply{Code: codeInternal, Message: err.Error()}, logger)
			return
		}
		err := backend.Transfer(context.Background(), req)
		if err != nil {
			logger.Debug().Err(err).Stringer("transfer", req).Msg("custody transfer rejected")
		}
		respond(msg, encodeErr(err), logger)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", transferSubject, err)
	}

	provisionSub, err := nc.Subscribe(provisionSubject, func(msg *nats.Msg) {
		var req provisionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			respond(msg, reply{Code: codeInternal, Message: err.Error()}, logger)
			return
		}
		p, ok := backend.(Provisioner)
		if !ok {
			respond(msg, reply{}, logger)
			return
		}
		respond(msg, encodeErr(p.Provision(context.Background(), req.Account, req.Authority)), logger)
	})
	if err != nil {
		transferSub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", provisionSubject, err)
	}

	logger.Info().Str("transfer_subject", transferSubject).Str("provision_subject", provisionSubject).
		Msg("custody service listening on NATS")
	return []*nats.Subscription{transferSub, provisionSub}, nil
}

func respond(msg *nats.Msg, r reply, logger zerolog.Logger) {
	data, _ := json.Marshal(r)
	if err := msg.Respond(data); err != nil {
		logger.Warn().Err(err).Msg("custody reply failed")
	}
}

func encodeErr(err error) reply {
	switch {
	case err == nil:
		return reply{Code: codeOK}
	case errors.Is(err, ErrUnknownAccount):
		return reply{Code: codeUnknownAccount, Message: err.Error()}
	case errors.Is(err, ErrUnauthorized):
		return reply{Code: codeUnauthorized, Message: err.Error()}
	case errors.Is(err, ErrInsufficientFunds):
		return reply{Code: codeInsufficient, Message: err.Error()}
	case errors.Is(err, ErrTransferReused):
		return reply{Code: codeReused, Message: err.Error()}
	default:
		return reply{Code: codeInternal, Message: err.Error()}
	}
}

func decodeCode(r reply) error {
	switch r.Code {
	case codeOK:
		return nil
	case codeUnknownAccount:
		return fmt.Errorf("%w: %s", ErrUnknownAccount, r.Message)
	case codeUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, r.Message)
	case codeInsufficient:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, r.Message)
	case codeReused:
		return fmt.Errorf("%w: %s", ErrTransferReused, r.Message)
	default:
		return fmt.Errorf("custody: %s", r.Message)
	}
}
