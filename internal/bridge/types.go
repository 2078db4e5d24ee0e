package bridge

import (
	"context"
	"math/big"

	"github.com/pawbridge/bridge-backend/internal/blacklist"
	"github.com/pawbridge/bridge-backend/internal/ledger"
	"github.com/pawbridge/bridge-backend/internal/signer"
)

// UnitsPerCoin converts whole native coins to atomic units (9 decimals).
var UnitsPerCoin = big.NewInt(1_000_000_000)

// centsModulus detects deposits finer than two decimal places of coin:
// units not divisible by 10^7 carry sub-cent precision and are refunded.
var centsModulus = big.NewInt(10_000_000)

// wrappedScale lifts 9-decimal native units to 18-decimal wTKN units.
var wrappedScale = big.NewInt(1_000_000_000)

// L1Client is the native-chain capability the bridge needs: pocketing
// receivables and paying out from the hot wallet.
type L1Client interface {
	// Receive pockets a pending receivable block. Idempotent; safe on replay.
	Receive(ctx context.Context, hash string) error
	// Send transfers amount (atomic units) from the hot wallet, returning
	// the transaction hash.
	Send(ctx context.Context, to string, amount *big.Int) (string, error)
	// Balance returns an account's confirmed balance in atomic units.
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// EvmClient is the wrapped-token capability the bridge needs.
type EvmClient interface {
	// WrappedBalanceOf returns the wTKN balance of an EVM address.
	WrappedBalanceOf(ctx context.Context, evm string) (*big.Int, error)
}

// Oracle is the blacklist capability.
type Oracle interface {
	IsBlacklisted(ctx context.Context, native string) (*blacklist.Entry, error)
}

// Verifier covers the signature work the bridge delegates.
type Verifier interface {
	Verify(message, signatureHex, evm string) error
	SignMintReceipt(evm string, wrappedAmount *big.Int, uuid uint64) (*signer.MintReceipt, error)
}

// Ledger is the slice of the ledger store the bridge mutates.
type Ledger interface {
	GetBalance(ctx context.Context, native string) (*big.Int, error)
	HasPendingClaim(ctx context.Context, native string) (bool, error)
	HasPendingClaimFrom(ctx context.Context, native, evm string) (bool, error)
	StorePendingClaim(ctx context.Context, native, evm string) (bool, error)
	IsClaimed(ctx context.Context, native string) (bool, error)
	HasClaim(ctx context.Context, native, evm string) (bool, error)
	ConfirmClaim(ctx context.Context, native string) error
	HasDeposit(ctx context.Context, native, hash string) (bool, error)
	StoreDeposit(ctx context.Context, d ledger.Deposit) error
	HasWithdrawalAt(ctx context.Context, native string, ts int64) (bool, error)
	StoreWithdrawal(ctx context.Context, w ledger.Withdrawal) error
	StoreSwapToWrapped(ctx context.Context, sw ledger.SwapToWrapped) error
	HasSwapToNative(ctx context.Context, evm, hash string) (bool, error)
	StoreSwapToNative(ctx context.Context, sw ledger.SwapToNative) error
}

// PendingScheduler re-queues withdrawals the hot wallet cannot cover yet and
// reports the liquidity those reservations consume.
type PendingScheduler interface {
	EnqueuePendingWithdrawal(ctx context.Context, w WithdrawalRequest) error
	GetPendingWithdrawalsAmount(ctx context.Context) (*big.Int, error)
}

// WithdrawalRequest mirrors the queue's withdrawal payload without importing
// it, keeping the bridge dependency-free of queue internals.
type WithdrawalRequest struct {
	Native    string
	Amount    string
	Evm       string
	Signature string
	Timestamp int64
	Attempt   int
}

// Config carries wallet addresses and the rebalancing policy.
type Config struct {
	Symbol           string // native coin symbol, e.g. PAW
	HotWallet        string
	ColdWallet       string
	HotWalletMinimum *big.Int // atomic units
	HotColdRatio     int      // percent of total custody kept hot, 0-100
}

// ClaimOutcome distinguishes the two non-error claim results.
type ClaimOutcome string

const (
	ClaimOk          ClaimOutcome = "Ok"
	ClaimAlreadyDone ClaimOutcome = "AlreadyDone"
)

// DepositOutcome reports what happened to a deposit job.
type DepositOutcome struct {
	Native   string `json:"native"`
	Hash     string `json:"hash"`
	Amount   string `json:"amount"`
	Credited bool   `json:"credited"`
	Refunded bool   `json:"refunded"`
	Reason   string `json:"reason,omitempty"`
}

// WithdrawalOutcome reports a completed withdrawal.
type WithdrawalOutcome struct {
	Native  string `json:"native"`
	Amount  string `json:"amount"`
	Hash    string `json:"hash"`
	Pending bool   `json:"pending"`
}

// SwapOutcome carries the mint receipt back to the user.
type SwapOutcome struct {
	Receipt        string `json:"receipt"`
	UUID           uint64 `json:"uuid"`
	WrappedBalance string `json:"wrappedBalance"`
}

// SwapToNativeOutcome reports a credited burn.
type SwapToNativeOutcome struct {
	Native    string `json:"native"`
	Evm       string `json:"evm"`
	Amount    string `json:"amount"`
	Hash      string `json:"hash"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
