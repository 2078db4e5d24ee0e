package ledger

import (
	"math/big"
)

// Deposit is a confirmed inbound transfer of native coin to the hot wallet.
type Deposit struct {
	Native    string   `json:"native"`
	Amount    *big.Int `json:"-"`
	AmountStr string   `json:"amount"`
	Timestamp int64    `json:"timestamp"` // milliseconds since epoch
	Hash      string   `json:"hash"`
}

// Withdrawal is a completed outbound transfer of native coin from the hot wallet.
type Withdrawal struct {
	Native    string   `json:"native"`
	Amount    *big.Int `json:"-"`
	AmountStr string   `json:"amount"`
	Timestamp int64    `json:"timestamp"`
	Hash      string   `json:"hash"`
}

// SwapToWrapped records a debit of native balance against a signed mint receipt.
type SwapToWrapped struct {
	Native    string   `json:"native"`
	Evm       string   `json:"evm"`
	Amount    *big.Int `json:"-"`
	AmountStr string   `json:"amount"`
	Timestamp int64    `json:"timestamp"`
	Receipt   string   `json:"receipt"`
	UUID      uint64   `json:"uuid"`
}

// SwapToNative records a credit of native balance for a wTKN burn observed on
// the EVM chain. WrappedBalance is the burner's remaining wTKN balance, kept
// for reporting only.
type SwapToNative struct {
	Evm            string   `json:"evm"`
	Native         string   `json:"native"`
	Amount         *big.Int `json:"-"`
	AmountStr      string   `json:"amount"`
	WrappedBalance string   `json:"wrappedBalance,omitempty"`
	Timestamp      int64    `json:"timestamp"`
	Hash           string   `json:"hash"`
}

// History bundles the per-user record sets returned to the API.
type History struct {
	Deposits       []Deposit       `json:"deposits"`
	Withdrawals    []Withdrawal    `json:"withdrawals"`
	SwapsToWrapped []SwapToWrapped `json:"swaps"`
	SwapsToNative  []SwapToNative  `json:"swapsToNative"`
}

func formatUnits(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseUnits(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
