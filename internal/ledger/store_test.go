package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/pawbridge/bridge-backend/internal/lock"
	"github.com/pawbridge/bridge-backend/pkg/kv/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mem := memory.New(0)
	t.Cleanup(func() { mem.Close() })
	logger := zap.NewNop().Sugar()
	return NewStore(mem, lock.NewLocker(mem), logger)
}

func units(v int64) *big.Int { return big.NewInt(v) }

func TestDepositCreditsBalanceOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := Deposit{Native: "paw_alice", Amount: units(1_000_000_000), Timestamp: 1000, Hash: "h1"}
	require.NoError(t, s.StoreDeposit(ctx, d))

	balance, err := s.GetBalance(ctx, "paw_alice")
	require.NoError(t, err)
	assert.Equal(t, "1000000000", balance.String())

	// Replaying the same hash is a no-op (I4)
	require.NoError(t, s.StoreDeposit(ctx, d))
	balance, err = s.GetBalance(ctx, "paw_alice")
	require.NoError(t, err)
	assert.Equal(t, "1000000000", balance.String())

	deposits, err := s.Deposits(ctx, "paw_alice")
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.Equal(t, "h1", deposits[0].Hash)
	assert.Equal(t, "1000000000", deposits[0].AmountStr)
}

func TestWithdrawalDebitsAndGuardsNonNegativity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreDeposit(ctx, Deposit{Native: "paw_bob", Amount: units(500), Timestamp: 1, Hash: "d1"}))

	w := Withdrawal{Native: "paw_bob", Amount: units(200), Timestamp: 2000, Hash: "w1"}
	require.NoError(t, s.StoreWithdrawal(ctx, w))

	balance, err := s.GetBalance(ctx, "paw_bob")
	require.NoError(t, err)
	assert.Equal(t, "300", balance.String())

	has, err := s.HasWithdrawalAt(ctx, "paw_bob", 2000)
	require.NoError(t, err)
	assert.True(t, has)

	// Overdraw must fail at the commit point (I2)
	err = s.StoreWithdrawal(ctx, Withdrawal{Native: "paw_bob", Amount: units(400), Timestamp: 3000, Hash: "w2"})
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	balance, err = s.GetBalance(ctx, "paw_bob")
	require.NoError(t, err)
	assert.Equal(t, "300", balance.String())
}

func TestWithdrawalReplayIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreDeposit(ctx, Deposit{Native: "paw_bob", Amount: units(500), Timestamp: 1, Hash: "d1"}))

	w := Withdrawal{Native: "paw_bob", Amount: units(100), Timestamp: 2000, Hash: "w1"}
	require.NoError(t, s.StoreWithdrawal(ctx, w))
	require.NoError(t, s.StoreWithdrawal(ctx, w))

	balance, err := s.GetBalance(ctx, "paw_bob")
	require.NoError(t, err)
	assert.Equal(t, "400", balance.String())
}

func TestClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored, err := s.StorePendingClaim(ctx, "paw_carol", "0xAAAA")
	require.NoError(t, err)
	assert.True(t, stored)

	// Second pending claim for the same native is refused, whoever asks
	stored, err = s.StorePendingClaim(ctx, "paw_carol", "0xBBBB")
	require.NoError(t, err)
	assert.False(t, stored)

	pending, err := s.HasPendingClaim(ctx, "paw_carol")
	require.NoError(t, err)
	assert.True(t, pending)

	claimed, err := s.IsClaimed(ctx, "paw_carol")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.ConfirmClaim(ctx, "paw_carol"))

	claimed, err = s.IsClaimed(ctx, "paw_carol")
	require.NoError(t, err)
	assert.True(t, claimed)

	has, err := s.HasClaim(ctx, "paw_carol", "0xAAAA")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.HasClaim(ctx, "paw_carol", "0xBBBB")
	require.NoError(t, err)
	assert.False(t, has)

	pending, err = s.HasPendingClaim(ctx, "paw_carol")
	require.NoError(t, err)
	assert.False(t, pending, "pending claim must be deleted on confirm")

	// Confirming again fails: the pending claim is gone
	err = s.ConfirmClaim(ctx, "paw_carol")
	assert.True(t, errors.Is(err, ErrNoPendingClaim))
}

func TestSwapToWrappedDebits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreDeposit(ctx, Deposit{Native: "paw_dave", Amount: units(1000), Timestamp: 1, Hash: "d1"}))

	sw := SwapToWrapped{Native: "paw_dave", Evm: "0xD", Amount: units(600), Timestamp: 2000, Receipt: "0xsig", UUID: 42}
	require.NoError(t, s.StoreSwapToWrapped(ctx, sw))

	balance, err := s.GetBalance(ctx, "paw_dave")
	require.NoError(t, err)
	assert.Equal(t, "400", balance.String())

	// Same receipt uuid replays as a no-op
	require.NoError(t, s.StoreSwapToWrapped(ctx, sw))
	balance, err = s.GetBalance(ctx, "paw_dave")
	require.NoError(t, err)
	assert.Equal(t, "400", balance.String())

	swaps, err := s.SwapsToWrapped(ctx, "paw_dave")
	require.NoError(t, err)
	require.Len(t, swaps, 1)
	assert.Equal(t, uint64(42), swaps[0].UUID)
	assert.Equal(t, "0xsig", swaps[0].Receipt)
}

func TestSwapToNativeCreditsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sw := SwapToNative{Evm: "0xE", Native: "paw_erin", Amount: units(250), Timestamp: 5000, Hash: "burn1"}
	require.NoError(t, s.StoreSwapToNative(ctx, sw))

	has, err := s.HasSwapToNative(ctx, "0xE", "burn1")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.StoreSwapToNative(ctx, sw))

	balance, err := s.GetBalance(ctx, "paw_erin")
	require.NoError(t, err)
	assert.Equal(t, "250", balance.String())
}

func TestBalanceConservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	native, evm := "paw_frank", "0xF"

	require.NoError(t, s.StoreDeposit(ctx, Deposit{Native: native, Amount: units(1000), Timestamp: 1, Hash: "d1"}))
	require.NoError(t, s.StoreDeposit(ctx, Deposit{Native: native, Amount: units(500), Timestamp: 2, Hash: "d2"}))
	require.NoError(t, s.StoreSwapToNative(ctx, SwapToNative{Evm: evm, Native: native, Amount: units(300), Timestamp: 3, Hash: "b1"}))
	require.NoError(t, s.StoreWithdrawal(ctx, Withdrawal{Native: native, Amount: units(400), Timestamp: 4, Hash: "w1"}))
	require.NoError(t, s.StoreSwapToWrapped(ctx, SwapToWrapped{Native: native, Evm: evm, Amount: units(600), Timestamp: 5, Receipt: "r", UUID: 1}))

	// I1: balance equals the signed sum over confirmed records
	balance, err := s.GetBalance(ctx, native)
	require.NoError(t, err)

	total := new(big.Int)
	deposits, _ := s.Deposits(ctx, native)
	for _, d := range deposits {
		total.Add(total, d.Amount)
	}
	swapsIn, _ := s.SwapsToNative(ctx, evm)
	for _, sw := range swapsIn {
		total.Add(total, sw.Amount)
	}
	withdrawals, _ := s.Withdrawals(ctx, native)
	for _, w := range withdrawals {
		total.Sub(total, w.Amount)
	}
	swapsOut, _ := s.SwapsToWrapped(ctx, native)
	for _, sw := range swapsOut {
		total.Sub(total, sw.Amount)
	}

	assert.Equal(t, total.String(), balance.String())
	assert.Equal(t, "800", balance.String())
}

func TestHistoryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, hash := range []string{"h1", "h2", "h3"} {
		require.NoError(t, s.StoreDeposit(ctx, Deposit{
			Native: "paw_grace", Amount: units(10), Timestamp: int64(1000 * (i + 1)), Hash: hash,
		}))
	}

	deposits, err := s.Deposits(ctx, "paw_grace")
	require.NoError(t, err)
	require.Len(t, deposits, 3)
	assert.Equal(t, "h3", deposits[0].Hash)
	assert.Equal(t, "h1", deposits[2].Hash)
}

func TestScanCursorMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cursor, err := s.GetScanCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)

	require.NoError(t, s.AdvanceScanCursor(ctx, 100))
	require.NoError(t, s.AdvanceScanCursor(ctx, 50)) // stale write ignored
	require.NoError(t, s.AdvanceScanCursor(ctx, 100))

	cursor, err = s.GetScanCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cursor)

	// I5 under interleaved slice completions
	var wg sync.WaitGroup
	for _, block := range []uint64{120, 180, 140, 160, 110} {
		wg.Add(1)
		go func(b uint64) {
			defer wg.Done()
			_ = s.AdvanceScanCursor(ctx, b)
		}(block)
	}
	wg.Wait()

	cursor, err = s.GetScanCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(180), cursor)
}

func TestConcurrentDepositsLinearise(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.StoreDeposit(ctx, Deposit{
				Native: "paw_henry", Amount: units(5), Timestamp: int64(n), Hash: string(rune('a' + n)),
			})
		}(i)
	}
	wg.Wait()

	balance, err := s.GetBalance(ctx, "paw_henry")
	require.NoError(t, err)
	assert.Equal(t, "100", balance.String())
}
