package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pawbridge/bridge-backend/internal/bridge"
	"github.com/pawbridge/bridge-backend/internal/ledger"
	"github.com/pawbridge/bridge-backend/internal/queue"
	"github.com/pawbridge/bridge-backend/internal/ws"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerReader is the read-only slice of the ledger the API serves.
type LedgerReader interface {
	GetBalance(ctx context.Context, native string) (*big.Int, error)
	Deposits(ctx context.Context, native string) ([]ledger.Deposit, error)
	Withdrawals(ctx context.Context, native string) ([]ledger.Withdrawal, error)
	SwapsToWrapped(ctx context.Context, native string) ([]ledger.SwapToWrapped, error)
	SwapsToNative(ctx context.Context, evm string) ([]ledger.SwapToNative, error)
}

// JobQueue is the queue surface the API enqueues onto.
type JobQueue interface {
	EnqueueWithdrawal(ctx context.Context, w queue.WithdrawalJob) error
	EnqueueSwapToWrapped(ctx context.Context, sw queue.SwapToWrappedJob) error
	GetPendingWithdrawalsAmount(ctx context.Context) (*big.Int, error)
}

// Claimer is the synchronous part of the bridge service the API calls.
type Claimer interface {
	Claim(ctx context.Context, native, evm, signatureHex string) (bridge.ClaimOutcome, error)
}

type Handler struct {
	claimer    Claimer
	ledger     LedgerReader
	jobs       JobQueue
	sse        *ws.SSEHandler
	hotWallet  string
	logger     *zap.SugaredLogger
	readyProbe func(ctx context.Context) error
}

func NewHandler(
	claimer Claimer,
	ledgerReader LedgerReader,
	jobs JobQueue,
	sse *ws.SSEHandler,
	hotWallet string,
	logger *zap.SugaredLogger,
	readyProbe func(ctx context.Context) error,
) *Handler {
	return &Handler{
		claimer:    claimer,
		ledger:     ledgerReader,
		jobs:       jobs,
		sse:        sse,
		hotWallet:  hotWallet,
		logger:     logger,
		readyProbe: readyProbe,
	}
}

// Health answers the public liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "OK"})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.readyProbe != nil {
		if err := h.readyProbe(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "NOT_READY", err.Error())
			return
		}
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "ready"})
}

// DepositWallet returns the hot wallet users deposit to.
func (h *Handler) DepositWallet(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, WalletResponse{Address: h.hotWallet})
}

// Balance returns a user's bridged balance in decimal coins.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	native := chi.URLParam(r, "addr")
	balance, err := h.ledger.GetBalance(r.Context(), native)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{Balance: unitsToCoins(balance)})
}

// Claim verifies the challenge signature and stores the pending claim.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.PawAddress == "" || req.BlockchainAddress == "" || req.Sig == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_FIELDS", "pawAddress, blockchainAddress and sig are required")
		return
	}

	outcome, err := h.claimer.Claim(r.Context(), req.PawAddress, req.BlockchainAddress, req.Sig)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}

	switch outcome {
	case bridge.ClaimAlreadyDone:
		h.writeJSON(w, http.StatusAccepted, StatusResponse{Status: string(outcome)})
	default:
		h.writeJSON(w, http.StatusOK, StatusResponse{Status: "OK"})
	}
}

// Withdraw enqueues a withdrawal job; the worker settles it.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.Paw == "" || req.Blockchain == "" || req.Sig == "" || req.Amount == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_FIELDS", "paw, amount, blockchain and sig are required")
		return
	}

	job := queue.WithdrawalJob{
		Native:    req.Paw,
		Amount:    req.Amount,
		Evm:       req.Blockchain,
		Signature: req.Sig,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := h.jobs.EnqueueWithdrawal(r.Context(), job); err != nil {
		h.writeBridgeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, AcceptedResponse{Status: "enqueued"})
}

// PendingWithdrawals reports the liquidity reserved by parked withdrawals.
func (h *Handler) PendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	amount, err := h.jobs.GetPendingWithdrawalsAmount(r.Context())
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PendingResponse{Amount: unitsToCoins(amount)})
}

// Swap enqueues a swap-to-wrapped job; the worker signs the mint receipt.
func (h *Handler) Swap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.Paw == "" || req.Blockchain == "" || req.Sig == "" || req.Amount == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_FIELDS", "paw, amount, blockchain and sig are required")
		return
	}

	job := queue.SwapToWrappedJob{
		Native:    req.Paw,
		Evm:       req.Blockchain,
		Amount:    req.Amount,
		Signature: req.Sig,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := h.jobs.EnqueueSwapToWrapped(r.Context(), job); err != nil {
		h.writeBridgeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, AcceptedResponse{Status: "enqueued"})
}

// History returns a user's record sets, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	evm := chi.URLParam(r, "evm")
	native := chi.URLParam(r, "native")
	ctx := r.Context()

	deposits, err := h.ledger.Deposits(ctx, native)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}
	withdrawals, err := h.ledger.Withdrawals(ctx, native)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}
	swaps, err := h.ledger.SwapsToWrapped(ctx, native)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}
	swapsBack, err := h.ledger.SwapsToNative(ctx, evm)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, HistoryResponse{
		Deposits:    deposits,
		Withdrawals: withdrawals,
		Swaps:       swaps,
		SwapsBack:   swapsBack,
	})
}

// Events streams a user's bridge events over SSE.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	native := chi.URLParam(r, "native")
	h.sse.Stream(w, r, native)
}

// --- helpers ---

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Errorw("Response encode failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// writeBridgeError maps bridge error kinds onto HTTP statuses.
func (h *Handler) writeBridgeError(w http.ResponseWriter, err error) {
	code := bridge.ErrorCode(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bridge.ErrBlacklisted):
		status = http.StatusForbidden
	case errors.Is(err, bridge.ErrInvalidOwner), errors.Is(err, bridge.ErrInvalidSignature):
		status = http.StatusConflict
	case errors.Is(err, bridge.ErrInsufficientBalance), errors.Is(err, bridge.ErrNegativeAmount):
		status = http.StatusBadRequest
	case errors.Is(err, bridge.ErrAlreadyProcessed):
		status = http.StatusConflict
	}
	h.writeError(w, status, code, err.Error())
}

func unitsToCoins(units *big.Int) string {
	return decimal.NewFromBigInt(units, -9).String()
}
