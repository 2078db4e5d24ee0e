// Package bridge implements the claim/deposit/withdraw/swap state machine.
//
// The service owns no state of its own: every mutation lands in the ledger
// store, and every entry point is idempotent so the queue can replay jobs
// after crashes without double-crediting or double-paying.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/pawbridge/bridge-backend/internal/ledger"
	"github.com/pawbridge/bridge-backend/internal/signer"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service is the bridge's business logic, wired onto capability interfaces.
type Service struct {
	cfg     Config
	ledger  Ledger
	l1      L1Client
	evm     EvmClient
	oracle  Oracle
	signer  Verifier
	pending PendingScheduler
	logger  *zap.SugaredLogger
}

func NewService(
	cfg Config,
	ledgerStore Ledger,
	l1 L1Client,
	evm EvmClient,
	oracle Oracle,
	verifier Verifier,
	pending PendingScheduler,
	logger *zap.SugaredLogger,
) *Service {
	return &Service{
		cfg:     cfg,
		ledger:  ledgerStore,
		l1:      l1,
		evm:     evm,
		oracle:  oracle,
		signer:  verifier,
		pending: pending,
		logger:  logger,
	}
}

// Claim binds a native address to an EVM address by signed challenge.
func (s *Service) Claim(ctx context.Context, native, evm, signatureHex string) (ClaimOutcome, error) {
	if err := s.signer.Verify(signer.ClaimChallenge(native), signatureHex, evm); err != nil {
		return "", err
	}

	entry, err := s.oracle.IsBlacklisted(ctx, native)
	if err != nil {
		return "", fmt.Errorf("%w: blacklist check: %v", ErrExternal, err)
	}
	if entry != nil {
		s.logger.Warnw("Claim from blacklisted address", "native", native, "alias", entry.Alias, "type", entry.Type)
		return "", fmt.Errorf("%w: %s", ErrBlacklisted, native)
	}

	claimed, err := s.ledger.HasClaim(ctx, native, evm)
	if err != nil {
		return "", err
	}
	if claimed {
		return ClaimAlreadyDone, nil
	}

	// A pending claim from the same pair is a harmless resubmit; from any
	// other EVM address the first claimer keeps the slot (I3).
	samePair, err := s.ledger.HasPendingClaimFrom(ctx, native, evm)
	if err != nil {
		return "", err
	}
	if samePair {
		return ClaimOk, nil
	}
	anyPending, err := s.ledger.HasPendingClaim(ctx, native)
	if err != nil {
		return "", err
	}
	if anyPending {
		return "", fmt.Errorf("%w: %s already has a pending claim", ErrInvalidOwner, native)
	}

	stored, err := s.ledger.StorePendingClaim(ctx, native, evm)
	if err != nil {
		return "", err
	}
	if !stored {
		return "", fmt.Errorf("%w: %s already has a pending claim", ErrInvalidOwner, native)
	}

	s.logger.Infow("Pending claim stored", "native", native, "evm", evm)
	return ClaimOk, nil
}

// DepositJobInput is the deposit payload handed over by the queue.
type DepositJobInput struct {
	Sender    string
	Amount    *big.Int // atomic units
	Timestamp int64
	Hash      string
}

// ProcessDeposit settles one inbound transfer: pocket it, then credit,
// refund, or both-confirm-and-credit depending on claim state and precision.
func (s *Service) ProcessDeposit(ctx context.Context, in DepositJobInput) (*DepositOutcome, error) {
	pending, err := s.ledger.HasPendingClaim(ctx, in.Sender)
	if err != nil {
		return nil, err
	}
	if pending {
		if err := s.ledger.ConfirmClaim(ctx, in.Sender); err != nil && !errors.Is(err, ledger.ErrNoPendingClaim) {
			return nil, err
		}
	}

	if err := s.l1.Receive(ctx, in.Hash); err != nil {
		return nil, fmt.Errorf("%w: receive %s: %v", ErrExternal, in.Hash, err)
	}

	outcome := &DepositOutcome{Native: in.Sender, Hash: in.Hash, Amount: in.Amount.String()}

	claimed, err := s.ledger.IsClaimed(ctx, in.Sender)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return s.refundDeposit(ctx, in, outcome, "unclaimed wallet")
	}

	if new(big.Int).Mod(in.Amount, centsModulus).Sign() != 0 {
		return s.refundDeposit(ctx, in, outcome, "more than two decimals")
	}

	if err := s.ledger.StoreDeposit(ctx, ledger.Deposit{
		Native:    in.Sender,
		Amount:    in.Amount,
		Timestamp: in.Timestamp,
		Hash:      in.Hash,
	}); err != nil {
		return nil, err
	}
	outcome.Credited = true

	s.logger.Infow("Deposit credited",
		"native", in.Sender,
		"amount", in.Amount.String(),
		"hash", in.Hash,
	)

	if err := s.rebalance(ctx, in.Amount); err != nil {
		// The deposit is committed; a failed sweep only costs hot-wallet
		// headroom and the next deposit retries it.
		s.logger.Warnw("Hot/cold rebalance failed", "error", err)
	}

	return outcome, nil
}

func (s *Service) refundDeposit(ctx context.Context, in DepositJobInput, outcome *DepositOutcome, reason string) (*DepositOutcome, error) {
	hash, err := s.l1.Send(ctx, in.Sender, in.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: refund %s to %s: %v", ErrExternal, in.Amount, in.Sender, err)
	}
	outcome.Refunded = true
	outcome.Reason = reason
	s.logger.Infow("Deposit refunded",
		"native", in.Sender,
		"amount", in.Amount.String(),
		"reason", reason,
		"refundHash", hash,
	)
	return outcome, nil
}

// ProcessWithdrawal pays out native coin from the hot wallet, or parks the
// request as a delayed pending withdrawal when liquidity is short.
func (s *Service) ProcessWithdrawal(ctx context.Context, w WithdrawalRequest) (*WithdrawalOutcome, error) {
	done, err := s.ledger.HasWithdrawalAt(ctx, w.Native, w.Timestamp)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, fmt.Errorf("%w: withdrawal %s at %d", ErrAlreadyProcessed, w.Native, w.Timestamp)
	}

	// Delayed retries carry no signature; the first attempt validated it.
	if w.Signature != "" {
		challenge := signer.WithdrawalChallenge(w.Amount, s.cfg.Symbol, w.Native)
		if err := s.signer.Verify(challenge, w.Signature, w.Evm); err != nil {
			return nil, err
		}
	}

	claimed, err := s.ledger.IsClaimed(ctx, w.Native)
	if err != nil {
		return nil, err
	}
	owns, err := s.ledger.HasClaim(ctx, w.Native, w.Evm)
	if err != nil {
		return nil, err
	}
	if !claimed || !owns {
		return nil, fmt.Errorf("%w: %s is not bound to %s", ErrInvalidOwner, w.Native, w.Evm)
	}

	amount, err := parseCoinAmount(w.Amount)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.GetBalance(ctx, w.Native)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: balance %s < %s", ErrInsufficientBalance, balance, amount)
	}

	hotBalance, err := s.l1.Balance(ctx, s.cfg.HotWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: hot balance: %v", ErrExternal, err)
	}
	if hotBalance.Cmp(amount) < 0 {
		if err := s.pending.EnqueuePendingWithdrawal(ctx, w); err != nil {
			return nil, err
		}
		s.logger.Warnw("Hot wallet short; withdrawal parked",
			"native", w.Native,
			"amount", w.Amount,
			"hotBalance", hotBalance.String(),
			"attempt", w.Attempt+1,
		)
		return nil, fmt.Errorf("%w: hot wallet holds %s", ErrPendingLiquidity, hotBalance)
	}

	hash, err := s.l1.Send(ctx, w.Native, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: send withdrawal: %v", ErrExternal, err)
	}

	if err := s.ledger.StoreWithdrawal(ctx, ledger.Withdrawal{
		Native:    w.Native,
		Amount:    amount,
		Timestamp: w.Timestamp,
		Hash:      hash,
	}); err != nil {
		return nil, err
	}

	s.logger.Infow("Withdrawal sent", "native", w.Native, "amount", w.Amount, "hash", hash)
	return &WithdrawalOutcome{Native: w.Native, Amount: w.Amount, Hash: hash}, nil
}

// SwapToWrappedInput is a user's request to turn deposited coin into a
// mint receipt.
type SwapToWrappedInput struct {
	Native    string
	Evm       string
	Amount    string // decimal coins
	Signature string
	Timestamp int64
}

// ProcessSwapToWrapped debits the user and signs a mint receipt for the
// equivalent wTKN amount.
func (s *Service) ProcessSwapToWrapped(ctx context.Context, in SwapToWrappedInput) (*SwapOutcome, error) {
	challenge := signer.SwapChallenge(in.Amount, s.cfg.Symbol, in.Native)
	if err := s.signer.Verify(challenge, in.Signature, in.Evm); err != nil {
		return nil, err
	}

	owns, err := s.ledger.HasClaim(ctx, in.Native, in.Evm)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, fmt.Errorf("%w: %s is not bound to %s", ErrInvalidOwner, in.Native, in.Evm)
	}

	amount, err := parseCoinAmount(in.Amount)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.GetBalance(ctx, in.Native)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: balance %s < %s", ErrInsufficientBalance, balance, amount)
	}

	uuid := uint64(time.Now().UnixMilli())
	wrappedAmount := new(big.Int).Mul(amount, wrappedScale)
	receipt, err := s.signer.SignMintReceipt(in.Evm, wrappedAmount, uuid)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.StoreSwapToWrapped(ctx, ledger.SwapToWrapped{
		Native:    in.Native,
		Evm:       in.Evm,
		Amount:    amount,
		Timestamp: in.Timestamp,
		Receipt:   receipt.Receipt,
		UUID:      uuid,
	}); err != nil {
		return nil, err
	}

	outcome := &SwapOutcome{Receipt: receipt.Receipt, UUID: uuid}
	if wrapped, err := s.evm.WrappedBalanceOf(ctx, in.Evm); err == nil {
		outcome.WrappedBalance = wrapped.String()
	} else {
		s.logger.Warnw("wTKN balance read failed", "evm", in.Evm, "error", err)
	}

	s.logger.Infow("Swap to wrapped signed",
		"native", in.Native,
		"evm", in.Evm,
		"amount", in.Amount,
		"uuid", uuid,
	)
	return outcome, nil
}

// SwapToNativeInput is a burn observed on the EVM chain.
type SwapToNativeInput struct {
	Evm            string
	Native         string
	Amount         *big.Int // atomic units, native side
	WrappedBalance string
	Hash           string
	Timestamp      int64
}

// ProcessSwapToNative credits the native-side balance for a burn. A replayed
// hash succeeds without mutating: the first credit already settled it.
func (s *Service) ProcessSwapToNative(ctx context.Context, in SwapToNativeInput) (*SwapToNativeOutcome, error) {
	seen, err := s.ledger.HasSwapToNative(ctx, in.Evm, in.Hash)
	if err != nil {
		return nil, err
	}
	outcome := &SwapToNativeOutcome{
		Native: in.Native,
		Evm:    in.Evm,
		Amount: in.Amount.String(),
		Hash:   in.Hash,
	}
	if seen {
		outcome.Duplicate = true
		return outcome, nil
	}

	if err := s.ledger.StoreSwapToNative(ctx, ledger.SwapToNative{
		Evm:            in.Evm,
		Native:         in.Native,
		Amount:         in.Amount,
		WrappedBalance: in.WrappedBalance,
		Timestamp:      in.Timestamp,
		Hash:           in.Hash,
	}); err != nil {
		return nil, err
	}

	s.logger.Infow("Swap to native credited",
		"native", in.Native,
		"evm", in.Evm,
		"amount", in.Amount.String(),
		"hash", in.Hash,
	)
	return outcome, nil
}

// parseCoinAmount converts a decimal coin string to atomic units, rejecting
// negatives. Precision beyond 9 decimals is truncated.
func parseCoinAmount(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	return d.Shift(9).Truncate(0).BigInt(), nil
}
