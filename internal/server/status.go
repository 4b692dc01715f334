package server

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"EnergyLedger/internal/battery"
	"EnergyLedger/internal/core"
	"EnergyLedger/internal/custody"
	"EnergyLedger/internal/ingestion"
	"EnergyLedger/internal/store"
)

const errorDomain = "energyledger"

// Code maps an engine or query error to a gRPC code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ingestion.ErrInvalidCommand), errors.Is(err, core.ErrKeyReused):
		return codes.InvalidArgument
	case errors.Is(err, battery.ErrPoolNotFound), errors.Is(err, battery.ErrUserAccountNotFound):
		return codes.NotFound
	case errors.Is(err, battery.ErrPoolExists), errors.Is(err, battery.ErrUserAccountExists):
		return codes.AlreadyExists
	case errors.Is(err, battery.ErrArithmeticOverflow):
		return codes.OutOfRange
	case errors.Is(err, custody.ErrUnavailable), errors.Is(err, core.ErrEngineClosed):
		return codes.Unavailable
	case errors.Is(err, battery.ErrInsufficientCapacity),
		errors.Is(err, battery.ErrInsufficientAllocation),
		errors.Is(err, battery.ErrBatteryFull),
		errors.Is(err, battery.ErrInsufficientBalance),
		errors.Is(err, battery.ErrInsufficientEnergy),
		errors.Is(err, battery.ErrTransferFailed),
		errors.Is(err, battery.ErrPoolMismatch):
		return codes.FailedPrecondition
	case errors.Is(err, store.ErrCommit), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrKeyCommitted):
		return codes.Aborted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// toStatus converts err into a status error carrying an ErrorInfo with the
// stable reason label.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := Code(err)
	msg := err.Error()
	if code == codes.Internal {
		msg = "internal error"
	}

	st := status.New(code, msg)
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: reason(err),
		Domain: errorDomain,
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

func reason(err error) string {
	switch {
	case errors.Is(err, ingestion.ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, core.ErrKeyReused):
		return "key_reused"
	case errors.Is(err, custody.ErrUnavailable):
		return "custody_unavailable"
	case errors.Is(err, core.ErrEngineClosed):
		return "shutting_down"
	default:
		return battery.Reason(err)
	}
}

// ReasonOf extracts the ErrorInfo reason from a status error, or "".
func ReasonOf(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info.Reason
		}
	}
	return ""
}
