package bridge

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pawbridge/bridge-backend/internal/blacklist"
	"github.com/pawbridge/bridge-backend/internal/ledger"
	"github.com/pawbridge/bridge-backend/internal/lock"
	"github.com/pawbridge/bridge-backend/internal/signer"
	"github.com/pawbridge/bridge-backend/pkg/kv/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- test doubles ---

type spyLedger struct {
	Ledger
	pendingClaimCalls int
}

func (s *spyLedger) StorePendingClaim(ctx context.Context, native, evm string) (bool, error) {
	s.pendingClaimCalls++
	return s.Ledger.StorePendingClaim(ctx, native, evm)
}

type sendCall struct {
	to     string
	amount *big.Int
}

type fakeL1 struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	received []string
	sends    []sendCall
}

func newFakeL1() *fakeL1 {
	return &fakeL1{balances: make(map[string]*big.Int)}
}

func (f *fakeL1) setBalance(account string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = amount
}

func (f *fakeL1) Receive(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, hash)
	return nil
}

func (f *fakeL1) Send(ctx context.Context, to string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{to: to, amount: new(big.Int).Set(amount)})
	return fmt.Sprintf("SENDHASH%d", len(f.sends)), nil
}

func (f *fakeL1) Balance(ctx context.Context, account string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeL1) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fakeEvm struct {
	wrapped map[string]*big.Int
}

func (f *fakeEvm) WrappedBalanceOf(ctx context.Context, evm string) (*big.Int, error) {
	if b, ok := f.wrapped[evm]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

type fakeOracle struct {
	banned map[string]*blacklist.Entry
}

func (f *fakeOracle) IsBlacklisted(ctx context.Context, native string) (*blacklist.Entry, error) {
	return f.banned[native], nil
}

type fakePending struct {
	enqueued []WithdrawalRequest
}

func (f *fakePending) EnqueuePendingWithdrawal(ctx context.Context, w WithdrawalRequest) error {
	w.Attempt++
	f.enqueued = append(f.enqueued, w)
	return nil
}

func (f *fakePending) GetPendingWithdrawalsAmount(ctx context.Context) (*big.Int, error) {
	total := new(big.Int)
	return total, nil
}

// --- fixture ---

type fixture struct {
	svc     *Service
	ledger  *spyLedger
	l1      *fakeL1
	evm     *fakeEvm
	oracle  *fakeOracle
	pending *fakePending
}

const (
	hotWallet  = "paw_hot"
	coldWallet = "paw_cold"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New(0)
	t.Cleanup(func() { mem.Close() })
	logger := zap.NewNop().Sugar()

	store := ledger.NewStore(mem, lock.NewLocker(mem), logger)
	spy := &spyLedger{Ledger: store}

	bridgeKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	sgn, err := signer.New(hexutil.Encode(crypto.FromECDSA(bridgeKey)), 56)
	require.NoError(t, err)

	f := &fixture{
		ledger:  spy,
		l1:      newFakeL1(),
		evm:     &fakeEvm{wrapped: make(map[string]*big.Int)},
		oracle:  &fakeOracle{banned: make(map[string]*blacklist.Entry)},
		pending: &fakePending{},
	}
	f.svc = NewService(
		Config{
			Symbol:           "PAW",
			HotWallet:        hotWallet,
			ColdWallet:       coldWallet,
			HotWalletMinimum: coins(10),
			HotColdRatio:     20,
		},
		spy, f.l1, f.evm, f.oracle, sgn, f.pending, logger,
	)
	return f
}

func coins(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), UnitsPerCoin)
}

type user struct {
	evm  string
	sign func(t *testing.T, message string) string
}

func newUser(t *testing.T) *user {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return &user{
		evm: addr,
		sign: func(t *testing.T, message string) string {
			sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
			require.NoError(t, err)
			sig[crypto.RecoveryIDOffset] += 27
			return hexutil.Encode(sig)
		},
	}
}

// claimAndConfirm walks the full claim flow: signed claim then the deposit
// that confirms it.
func claimAndConfirm(t *testing.T, f *fixture, native string, u *user) {
	t.Helper()
	ctx := context.Background()

	outcome, err := f.svc.Claim(ctx, native, u.evm, u.sign(t, signer.ClaimChallenge(native)))
	require.NoError(t, err)
	require.Equal(t, ClaimOk, outcome)
	require.NoError(t, f.ledger.ConfirmClaim(ctx, native))
}

// --- claim scenarios ---

func TestClaimThenAlreadyDone(t *testing.T) {
	f := newFixture(t)
	u := newUser(t)
	ctx := context.Background()
	sig := u.sign(t, signer.ClaimChallenge("paw_x"))

	outcome, err := f.svc.Claim(ctx, "paw_x", u.evm, sig)
	require.NoError(t, err)
	assert.Equal(t, ClaimOk, outcome)

	// Resubmitting while still pending is harmless and does not store again
	outcome, err = f.svc.Claim(ctx, "paw_x", u.evm, sig)
	require.NoError(t, err)
	assert.Equal(t, ClaimOk, outcome)

	require.NoError(t, f.ledger.ConfirmClaim(ctx, "paw_x"))

	outcome, err = f.svc.Claim(ctx, "paw_x", u.evm, sig)
	require.NoError(t, err)
	assert.Equal(t, ClaimAlreadyDone, outcome)

	assert.Equal(t, 1, f.ledger.pendingClaimCalls)
}

func TestClaimCollision(t *testing.T) {
	f := newFixture(t)
	first := newUser(t)
	second := newUser(t)
	ctx := context.Background()

	outcome, err := f.svc.Claim(ctx, "paw_x", first.evm, first.sign(t, signer.ClaimChallenge("paw_x")))
	require.NoError(t, err)
	assert.Equal(t, ClaimOk, outcome)

	_, err = f.svc.Claim(ctx, "paw_x", second.evm, second.sign(t, signer.ClaimChallenge("paw_x")))
	assert.ErrorIs(t, err, ErrInvalidOwner)

	assert.Equal(t, 1, f.ledger.pendingClaimCalls)
}

func TestClaimBlacklisted(t *testing.T) {
	f := newFixture(t)
	u := newUser(t)
	banned := "ban_1nrcne47secz1hnm9syepdoob7t1r4xrhdzih3zohb1c3z178edd7b6ygc4x"
	f.oracle.banned[banned] = &blacklist.Entry{Address: banned, Alias: "known scammer", Type: "scam"}

	_, err := f.svc.Claim(context.Background(), banned, u.evm, u.sign(t, signer.ClaimChallenge(banned)))
	assert.ErrorIs(t, err, ErrBlacklisted)
	assert.Zero(t, f.ledger.pendingClaimCalls)
}

func TestClaimBadSignature(t *testing.T) {
	f := newFixture(t)
	u := newUser(t)

	// Signature over the wrong wallet's challenge
	sig := u.sign(t, signer.ClaimChallenge("paw_other"))
	_, err := f.svc.Claim(context.Background(), "paw_x", u.evm, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Zero(t, f.ledger.pendingClaimCalls)
}

// --- deposit scenarios ---

func TestDepositToUnclaimedWalletIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.svc.ProcessDeposit(ctx, DepositJobInput{
		Sender: "paw_s", Amount: coins(1), Timestamp: 1000, Hash: "dep1",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Refunded)
	assert.False(t, outcome.Credited)

	assert.Equal(t, []string{"dep1"}, f.l1.received)
	require.Equal(t, 1, f.l1.sendCount())
	assert.Equal(t, "paw_s", f.l1.sends[0].to)
	assert.Equal(t, coins(1).String(), f.l1.sends[0].amount.String())

	has, err := f.ledger.HasDeposit(ctx, "paw_s", "dep1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDepositWithSubCentPrecisionIsRefunded(t *testing.T) {
	f := newFixture(t)
	u := newUser(t)
	claimAndConfirm(t, f, "paw_s", u)
	ctx := context.Background()

	amount := big.NewInt(1_466_000_000) // 1.466 PAW
	outcome, err := f.svc.ProcessDeposit(ctx, DepositJobInput{
		Sender: "paw_s", Amount: amount, Timestamp: 1000, Hash: "dep2",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Refunded)
	assert.Equal(t, "more than two decimals", outcome.Reason)

	require.Equal(t, 1, f.l1.sendCount())
	assert.Equal(t, amount.String(), f.l1.sends[0].amount.String())

	balance, err := f.ledger.GetBalance(ctx, "paw_s")
	require.NoError(t, err)
	assert.Equal(t, "0", balance.String())
}

func TestDepositConfirmsPendingClaimAndCredits(t *testing.T) {
	f := newFixture(t)
	u := newUser(t)
	ctx := context.Background()

	_, err := f.svc.Claim(ctx, "paw_s", u.evm, u.sign(t, signer.ClaimChallenge("paw_s")))
	require.NoError(t, err)

	outcome, err := f.svc.ProcessDeposit(ctx, DepositJobInput{
		Sender: "paw_s", Amount: coins(5), Timestamp: 1000, Hash: "dep3",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Credited)

	claimed, err := f.ledger.HasClaim(ctx, "paw_s", u.evm)
	require.NoError(t, err)
	assert.True(t, claimed)

	balance, err := f.ledger.GetBalance(ctx, "paw_s")
	require.NoError(t, err)
	assert.Equal(t, coins(5).String(), balance.String())
}

func TestDepositReplaySameHashCreditsOnce(t *testing.T) {
	f := newFixture(t)
	u := newUser(t)
	claimAndConfirm(t, f, "paw_s", u)
	ctx := context.Background()

	in := DepositJobInput{Sender: "paw_s", Amount: coins(2), Timestamp: 1000, Hash: "dep4"}
	_, err := f.svc.ProcessDeposit(ctx, in)
	require.NoError(t, err)
	_, err = f.svc.ProcessDeposit(ctx, in)
	require.NoError(t, err)

	balance, err := f.ledger.GetBalance(ctx, "paw_s")
	require.NoError(t, err)
	assert.Equal(t, coins(2).String(), balance.String())
}

// --- withdrawal scenarios ---

func setupFundedUser(t *testing.T, f *fixture, native string, balance int64, hot int64) *user {
	t.Helper()
	u := newUser(t)
	claimAndConfirm(t, f, native, u)
	require.NoError(t, f.ledger.StoreDeposit(context.Background(), ledger.Deposit{
		Native: native, Amount: coins(balance), Timestamp: 1, Hash: "seed",
	}))
	f.l1.setBalance(hotWallet, coins(hot))
	return u
}

func TestWithdrawalNegativeAmountRejected(t *testing.T) {
	f := newFixture(t)
	u := setupFundedUser(t, f, "paw_w", 200, 100)
	ctx := context.Background()

	_, err := f.svc.ProcessWithdrawal(ctx, WithdrawalRequest{
		Native: "paw_w", Amount: "-5", Evm: u.evm,
		Signature: u.sign(t, signer.WithdrawalChallenge("-5", "PAW", "paw_w")),
		Timestamp: 5000,
	})
	assert.ErrorIs(t, err, ErrNegativeAmount)
	assert.Zero(t, f.l1.sendCount())

	has, err := f.ledger.HasWithdrawalAt(ctx, "paw_w", 5000)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWithdrawalInsufficientHotLiquidityParksRequest(t *testing.T) {
	f := newFixture(t)
	u := setupFundedUser(t, f, "paw_w", 200, 100)
	ctx := context.Background()

	_, err := f.svc.ProcessWithdrawal(ctx, WithdrawalRequest{
		Native: "paw_w", Amount: "150", Evm: u.evm,
		Signature: u.sign(t, signer.WithdrawalChallenge("150", "PAW", "paw_w")),
		Timestamp: 5000,
	})
	assert.ErrorIs(t, err, ErrPendingLiquidity)
	assert.Zero(t, f.l1.sendCount())

	require.Len(t, f.pending.enqueued, 1)
	assert.Equal(t, 1, f.pending.enqueued[0].Attempt)

	has, err := f.ledger.HasWithdrawalAt(ctx, "paw_w", 5000)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWithdrawalIdempotent(t *testing.T) {
	f := newFixture(t)
	u := setupFundedUser(t, f, "paw_w", 200, 300)
	ctx := context.Background()

	req := WithdrawalRequest{
		Native: "paw_w", Amount: "50", Evm: u.evm,
		Signature: u.sign(t, signer.WithdrawalChallenge("50", "PAW", "paw_w")),
		Timestamp: 5000,
	}

	outcome, err := f.svc.ProcessWithdrawal(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.Hash)

	_, err = f.svc.ProcessWithdrawal(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	assert.Equal(t, 1, f.l1.sendCount())
	balance, err := f.ledger.GetBalance(ctx, "paw_w")
	require.NoError(t, err)
	assert.Equal(t, coins(150).String(), balance.String())
}

func TestWithdrawalInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	u := setupFundedUser(t, f, "paw_w", 10, 300)

	_, err := f.svc.ProcessWithdrawal(context.Background(), WithdrawalRequest{
		Native: "paw_w", Amount: "20", Evm: u.evm,
		Signature: u.sign(t, signer.WithdrawalChallenge("20", "PAW", "paw_w")),
		Timestamp: 5000,
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, f.l1.sendCount())
}

func TestWithdrawalWrongOwner(t *testing.T) {
	f := newFixture(t)
	setupFundedUser(t, f, "paw_w", 100, 300)
	stranger := newUser(t)

	_, err := f.svc.ProcessWithdrawal(context.Background(), WithdrawalRequest{
		Native: "paw_w", Amount: "10", Evm: stranger.evm,
		Signature: stranger.sign(t, signer.WithdrawalChallenge("10", "PAW", "paw_w")),
		Timestamp: 5000,
	})
	assert.ErrorIs(t, err, ErrInvalidOwner)
}

func TestDelayedRetrySkipsSignatureCheck(t *testing.T) {
	f := newFixture(t)
	u := setupFundedUser(t, f, "paw_w", 200, 300)

	outcome, err := f.svc.ProcessWithdrawal(context.Background(), WithdrawalRequest{
		Native: "paw_w", Amount: "25", Evm: u.evm,
		Signature: "", // replacement job: first attempt validated it
		Timestamp: 6000, Attempt: 1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.Hash)
}

// --- swap scenarios ---

func TestSwapWithoutClaimRejected(t *testing.T) {
	f := newFixture(t)
	owner := newUser(t)
	claimAndConfirm(t, f, "paw_x", owner)
	stranger := newUser(t)

	_, err := f.svc.ProcessSwapToWrapped(context.Background(), SwapToWrappedInput{
		Native: "paw_x", Evm: stranger.evm, Amount: "5",
		Signature: stranger.sign(t, signer.SwapChallenge("5", "PAW", "paw_x")),
		Timestamp: 7000,
	})
	assert.ErrorIs(t, err, ErrInvalidOwner)
}

func TestSwapToWrappedDebitsAndSignsReceipt(t *testing.T) {
	f := newFixture(t)
	u := setupFundedUser(t, f, "paw_x", 100, 300)
	f.evm.wrapped[u.evm] = big.NewInt(12345)
	ctx := context.Background()

	outcome, err := f.svc.ProcessSwapToWrapped(ctx, SwapToWrappedInput{
		Native: "paw_x", Evm: u.evm, Amount: "40",
		Signature: u.sign(t, signer.SwapChallenge("40", "PAW", "paw_x")),
		Timestamp: 7000,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.Receipt)
	assert.NotZero(t, outcome.UUID)
	assert.Equal(t, "12345", outcome.WrappedBalance)

	balance, err := f.ledger.GetBalance(ctx, "paw_x")
	require.NoError(t, err)
	assert.Equal(t, coins(60).String(), balance.String())
}

func TestSwapToWrappedInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	u := setupFundedUser(t, f, "paw_x", 10, 300)

	_, err := f.svc.ProcessSwapToWrapped(context.Background(), SwapToWrappedInput{
		Native: "paw_x", Evm: u.evm, Amount: "11",
		Signature: u.sign(t, signer.SwapChallenge("11", "PAW", "paw_x")),
		Timestamp: 7000,
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestSwapToNativeCreditsOnceOnReplay(t *testing.T) {
	f := newFixture(t)
	u := newUser(t)
	claimAndConfirm(t, f, "paw_x", u)
	ctx := context.Background()

	in := SwapToNativeInput{
		Evm: u.evm, Native: "paw_x", Amount: coins(3), Hash: "burn1", Timestamp: 8000,
	}

	outcome, err := f.svc.ProcessSwapToNative(ctx, in)
	require.NoError(t, err)
	assert.False(t, outcome.Duplicate)

	outcome, err = f.svc.ProcessSwapToNative(ctx, in)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)

	balance, err := f.ledger.GetBalance(ctx, "paw_x")
	require.NoError(t, err)
	assert.Equal(t, coins(3).String(), balance.String())
}

// --- round trip ---

func TestFullRoundTripReturnsBalanceToZero(t *testing.T) {
	f := newFixture(t)
	u := newUser(t)
	ctx := context.Background()

	_, err := f.svc.Claim(ctx, "paw_r", u.evm, u.sign(t, signer.ClaimChallenge("paw_r")))
	require.NoError(t, err)

	f.l1.setBalance(hotWallet, coins(1000))

	_, err = f.svc.ProcessDeposit(ctx, DepositJobInput{
		Sender: "paw_r", Amount: coins(10), Timestamp: 1000, Hash: "rt-dep",
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessSwapToWrapped(ctx, SwapToWrappedInput{
		Native: "paw_r", Evm: u.evm, Amount: "10",
		Signature: u.sign(t, signer.SwapChallenge("10", "PAW", "paw_r")),
		Timestamp: 2000,
	})
	require.NoError(t, err)

	// User burns the wTKN on the EVM chain; the watcher hands the burn back
	_, err = f.svc.ProcessSwapToNative(ctx, SwapToNativeInput{
		Evm: u.evm, Native: "paw_r", Amount: coins(10), Hash: "rt-burn", Timestamp: 3000,
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessWithdrawal(ctx, WithdrawalRequest{
		Native: "paw_r", Amount: "10", Evm: u.evm,
		Signature: u.sign(t, signer.WithdrawalChallenge("10", "PAW", "paw_r")),
		Timestamp: 4000,
	})
	require.NoError(t, err)

	balance, err := f.ledger.GetBalance(ctx, "paw_r")
	require.NoError(t, err)
	assert.Equal(t, "0", balance.String())
}
