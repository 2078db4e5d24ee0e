package api

import "github.com/pawbridge/bridge-backend/internal/ledger"

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusResponse answers health and claim endpoints.
type StatusResponse struct {
	Status string `json:"status"`
}

// WalletResponse exposes the deposit address.
type WalletResponse struct {
	Address string `json:"address"`
}

// BalanceResponse carries a decimal coin amount.
type BalanceResponse struct {
	Balance string `json:"balance"`
}

// PendingResponse reports reserved withdrawal liquidity.
type PendingResponse struct {
	Amount string `json:"amount"`
}

// ClaimRequest binds a native address to an EVM address.
type ClaimRequest struct {
	PawAddress        string `json:"pawAddress"`
	BlockchainAddress string `json:"blockchainAddress"`
	Sig               string `json:"sig"`
}

// WithdrawalRequest asks for native coin from the hot wallet.
type WithdrawalRequest struct {
	Paw        string `json:"paw"`
	Amount     string `json:"amount"`
	Blockchain string `json:"blockchain"`
	Sig        string `json:"sig"`
}

// SwapRequest converts deposited coin into a mint receipt.
type SwapRequest struct {
	Paw        string `json:"paw"`
	Amount     string `json:"amount"`
	Blockchain string `json:"blockchain"`
	Sig        string `json:"sig"`
}

// AcceptedResponse confirms an enqueued job.
type AcceptedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId,omitempty"`
}

// HistoryResponse bundles a user's record sets.
type HistoryResponse struct {
	Deposits    []ledger.Deposit       `json:"deposits"`
	Withdrawals []ledger.Withdrawal    `json:"withdrawals"`
	Swaps       []ledger.SwapToWrapped `json:"swaps"`
	SwapsBack   []ledger.SwapToNative  `json:"swapsToNative"`
}
