package bridge

import (
	"context"
	"errors"

	"github.com/pawbridge/bridge-backend/internal/ledger"
	"github.com/pawbridge/bridge-backend/internal/lock"
	"github.com/pawbridge/bridge-backend/internal/signer"
	"github.com/pawbridge/bridge-backend/pkg/kv"
)

// Stable error kinds surfaced unchanged to clients. Fatal kinds end the
// request; ErrExternal and lock contention ride the queue's retry policy.
var (
	ErrInvalidSignature    = signer.ErrInvalidSignature
	ErrInvalidOwner        = errors.New("invalid owner")
	ErrBlacklisted         = errors.New("blacklisted")
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrNegativeAmount      = errors.New("negative amount")
	ErrPendingLiquidity    = errors.New("pending liquidity")
	ErrExternal            = errors.New("external failure")
)

// Retryable reports whether the queue should retry the failure rather than
// surface it.
func Retryable(err error) bool {
	return errors.Is(err, ErrExternal) ||
		errors.Is(err, lock.ErrContention) ||
		errors.Is(err, kv.ErrBackendUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "InvalidSignature"
	case errors.Is(err, ErrInvalidOwner):
		return "InvalidOwner"
	case errors.Is(err, ErrBlacklisted):
		return "Blacklisted"
	case errors.Is(err, ErrInsufficientBalance):
		return "InsufficientBalance"
	case errors.Is(err, ErrAlreadyProcessed):
		return "AlreadyProcessed"
	case errors.Is(err, ErrNegativeAmount):
		return "NegativeAmount"
	case errors.Is(err, ErrPendingLiquidity):
		return "PendingLiquidity"
	case errors.Is(err, lock.ErrContention):
		return "ContentionTimeout"
	default:
		return "ExternalFailure"
	}
}
