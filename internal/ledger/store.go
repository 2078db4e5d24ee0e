// Package ledger is the authoritative store for user balances and the
// append-only deposit/withdrawal/swap record sets they derive from.
//
// All mutations run inside a named lock whose name encodes the touched
// balance key, then commit the balance, the time-scored record set entry,
// and the audit map together. Record sets give at-most-once insertion:
// storing an already-present hash or timestamp is a no-op.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/pawbridge/bridge-backend/internal/lock"
	"github.com/pawbridge/bridge-backend/pkg/kv"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientBalance guards invariant I2: no commit may take a
	// balance negative, whatever the caller checked beforehand.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNoPendingClaim is returned by ConfirmClaim when nothing is pending.
	ErrNoPendingClaim = errors.New("no pending claim")
)

const (
	pendingClaimTTL = 300 * time.Second
	historyLimit    = 1000
)

// Key layout. Record-set members double as audit-map key suffixes.
const (
	keyBalancePrefix      = "balance:"
	keyPendingClaimPrefix = "claims:pending:"
	keyClaimPrefix        = "claims:"
	keyDepositsPrefix     = "deposits:"
	keyWithdrawalsPrefix  = "withdrawals:"
	keySwapsOutPrefix     = "swaps:native-wrapped:"
	keySwapsInPrefix      = "swaps:wrapped-native:"
	keyAuditPrefix        = "audit:"
	keyScanCursor         = "chain:blocks:latest"

	lockBalancePrefix = "balance:"
	lockSwapOutPrefix = "swap-to-wrapped:"
	lockScanCursor    = "scan-cursor"
)

// Store persists bridge state on the kv substrate.
type Store struct {
	kv     kv.Store
	locker *lock.Locker
	logger *zap.SugaredLogger
}

func NewStore(store kv.Store, locker *lock.Locker, logger *zap.SugaredLogger) *Store {
	return &Store{kv: store, locker: locker, logger: logger}
}

// --- balances ---

// GetBalance reads the user's balance in atomic units under the balance lock.
func (s *Store) GetBalance(ctx context.Context, native string) (*big.Int, error) {
	var balance *big.Int
	err := s.locker.WithLock(ctx, lockBalancePrefix+native, func(ctx context.Context) error {
		var err error
		balance, err = s.readBalance(ctx, native)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (s *Store) readBalance(ctx context.Context, native string) (*big.Int, error) {
	raw, err := s.kv.GetString(ctx, keyBalancePrefix+native)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("read balance %s: %w", native, err)
	}
	return parseUnits(raw), nil
}

func (s *Store) writeBalance(ctx context.Context, native string, balance *big.Int) error {
	return s.kv.SetString(ctx, keyBalancePrefix+native, balance.String())
}

// --- claims ---

// HasPendingClaim reports whether any EVM address has a pending claim on native.
func (s *Store) HasPendingClaim(ctx context.Context, native string) (bool, error) {
	keys, err := s.kv.Keys(ctx, keyPendingClaimPrefix+native+":*")
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// HasPendingClaimFrom reports whether this exact (native, evm) pair is pending.
func (s *Store) HasPendingClaimFrom(ctx context.Context, native, evm string) (bool, error) {
	n, err := s.kv.Exists(ctx, keyPendingClaimPrefix+native+":"+evm)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StorePendingClaim records a claim awaiting its confirming deposit. It is a
// no-op returning false when another pending claim exists for the same native
// address.
func (s *Store) StorePendingClaim(ctx context.Context, native, evm string) (bool, error) {
	pending, err := s.HasPendingClaim(ctx, native)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}
	return s.kv.SetNX(ctx, keyPendingClaimPrefix+native+":"+evm, []byte(strconv.FormatInt(nowMillis(), 10)), pendingClaimTTL)
}

// IsClaimed reports whether native has a confirmed claim to any EVM address.
func (s *Store) IsClaimed(ctx context.Context, native string) (bool, error) {
	keys, err := s.confirmedClaimKeys(ctx, native)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// HasClaim reports whether the exact (native, evm) binding is confirmed.
func (s *Store) HasClaim(ctx context.Context, native, evm string) (bool, error) {
	n, err := s.kv.Exists(ctx, keyClaimPrefix+native+":"+evm)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConfirmClaim promotes the sole pending claim for native to a confirmed one.
// Fails with ErrNoPendingClaim when nothing is pending (e.g. the 300 s TTL
// lapsed before the deposit landed).
func (s *Store) ConfirmClaim(ctx context.Context, native string) error {
	keys, err := s.kv.Keys(ctx, keyPendingClaimPrefix+native+":*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return ErrNoPendingClaim
	}

	pendingKey := keys[0]
	evm := pendingKey[len(keyPendingClaimPrefix+native+":"):]

	if err := s.kv.SetString(ctx, keyClaimPrefix+native+":"+evm, strconv.FormatInt(nowMillis(), 10)); err != nil {
		return err
	}
	if _, err := s.kv.Del(ctx, pendingKey); err != nil {
		return err
	}

	s.logger.Infow("Claim confirmed", "native", native, "evm", evm)
	return nil
}

// ClaimedEvm returns the EVM address bound to native, or "" when unclaimed.
func (s *Store) ClaimedEvm(ctx context.Context, native string) (string, error) {
	keys, err := s.confirmedClaimKeys(ctx, native)
	if err != nil || len(keys) == 0 {
		return "", err
	}
	return keys[0][len(keyClaimPrefix+native+":"):], nil
}

func (s *Store) confirmedClaimKeys(ctx context.Context, native string) ([]string, error) {
	keys, err := s.kv.Keys(ctx, keyClaimPrefix+native+":*")
	if err != nil {
		return nil, err
	}
	// The pending namespace shares the claims: prefix; filter it out.
	confirmed := keys[:0]
	for _, k := range keys {
		if len(k) >= len(keyPendingClaimPrefix) && k[:len(keyPendingClaimPrefix)] == keyPendingClaimPrefix {
			continue
		}
		confirmed = append(confirmed, k)
	}
	return confirmed, nil
}

// --- deposits ---

// HasDeposit reports whether the deposit hash was already recorded for native.
func (s *Store) HasDeposit(ctx context.Context, native, hash string) (bool, error) {
	_, ok, err := s.kv.ZScore(ctx, keyDepositsPrefix+native, []byte(hash))
	return ok, err
}

// StoreDeposit credits the deposit and appends its record. Replaying an
// already-stored hash is a no-op.
func (s *Store) StoreDeposit(ctx context.Context, d Deposit) error {
	return s.locker.WithLock(ctx, lockBalancePrefix+d.Native, func(ctx context.Context) error {
		setKey := keyDepositsPrefix + d.Native
		if _, ok, err := s.kv.ZScore(ctx, setKey, []byte(d.Hash)); err != nil {
			return err
		} else if ok {
			s.logger.Debugw("Deposit already recorded", "native", d.Native, "hash", d.Hash)
			return nil
		}

		balance, err := s.readBalance(ctx, d.Native)
		if err != nil {
			return err
		}
		balance.Add(balance, d.Amount)

		if err := s.writeBalance(ctx, d.Native, balance); err != nil {
			return err
		}
		if _, err := s.kv.ZAdd(ctx, setKey, float64(d.Timestamp), []byte(d.Hash)); err != nil {
			return err
		}
		return s.writeAudit(ctx, "deposit:"+d.Hash, map[string]string{
			"type":      "deposit",
			"native":    d.Native,
			"amount":    formatUnits(d.Amount),
			"timestamp": strconv.FormatInt(d.Timestamp, 10),
			"hash":      d.Hash,
		})
	})
}

// --- withdrawals ---

// HasWithdrawalAt reports whether a withdrawal for (native, ts) was recorded.
func (s *Store) HasWithdrawalAt(ctx context.Context, native string, ts int64) (bool, error) {
	_, ok, err := s.kv.ZScore(ctx, keyWithdrawalsPrefix+native, []byte(strconv.FormatInt(ts, 10)))
	return ok, err
}

// StoreWithdrawal debits the withdrawal and appends its record.
func (s *Store) StoreWithdrawal(ctx context.Context, w Withdrawal) error {
	return s.locker.WithLock(ctx, lockBalancePrefix+w.Native, func(ctx context.Context) error {
		setKey := keyWithdrawalsPrefix + w.Native
		member := []byte(strconv.FormatInt(w.Timestamp, 10))
		if _, ok, err := s.kv.ZScore(ctx, setKey, member); err != nil {
			return err
		} else if ok {
			return nil
		}

		balance, err := s.readBalance(ctx, w.Native)
		if err != nil {
			return err
		}
		if balance.Cmp(w.Amount) < 0 {
			return fmt.Errorf("%w: withdraw %s from %s with balance %s",
				ErrInsufficientBalance, w.Amount, w.Native, balance)
		}
		balance.Sub(balance, w.Amount)

		if err := s.writeBalance(ctx, w.Native, balance); err != nil {
			return err
		}
		if _, err := s.kv.ZAdd(ctx, setKey, float64(w.Timestamp), member); err != nil {
			return err
		}
		return s.writeAudit(ctx, fmt.Sprintf("withdrawal:%s:%d", w.Native, w.Timestamp), map[string]string{
			"type":      "withdrawal",
			"native":    w.Native,
			"amount":    formatUnits(w.Amount),
			"timestamp": strconv.FormatInt(w.Timestamp, 10),
			"hash":      w.Hash,
		})
	})
}

// --- swaps ---

// StoreSwapToWrapped debits native balance against the signed mint receipt.
// Runs under its own lock name so a deposit landing for the same address
// can proceed concurrently; the two still linearise at the store.
func (s *Store) StoreSwapToWrapped(ctx context.Context, sw SwapToWrapped) error {
	return s.locker.WithLock(ctx, lockSwapOutPrefix+sw.Native, func(ctx context.Context) error {
		setKey := keySwapsOutPrefix + sw.Native
		member := []byte(strconv.FormatUint(sw.UUID, 10))
		if _, ok, err := s.kv.ZScore(ctx, setKey, member); err != nil {
			return err
		} else if ok {
			return nil
		}

		balance, err := s.readBalance(ctx, sw.Native)
		if err != nil {
			return err
		}
		if balance.Cmp(sw.Amount) < 0 {
			return fmt.Errorf("%w: swap %s from %s with balance %s",
				ErrInsufficientBalance, sw.Amount, sw.Native, balance)
		}
		balance.Sub(balance, sw.Amount)

		if err := s.writeBalance(ctx, sw.Native, balance); err != nil {
			return err
		}
		if _, err := s.kv.ZAdd(ctx, setKey, float64(sw.Timestamp), member); err != nil {
			return err
		}
		return s.writeAudit(ctx, "swap-to-wrapped:"+string(member), map[string]string{
			"type":      "swap-to-wrapped",
			"native":    sw.Native,
			"evm":       sw.Evm,
			"amount":    formatUnits(sw.Amount),
			"timestamp": strconv.FormatInt(sw.Timestamp, 10),
			"receipt":   sw.Receipt,
			"uuid":      string(member),
		})
	})
}

// HasSwapToNative reports whether the burn hash was already credited.
func (s *Store) HasSwapToNative(ctx context.Context, evm, hash string) (bool, error) {
	_, ok, err := s.kv.ZScore(ctx, keySwapsInPrefix+evm, []byte(hash))
	return ok, err
}

// StoreSwapToNative credits the native-side balance for a wTKN burn. The
// credit is the complete settlement; the user reclaims coin via withdrawal.
func (s *Store) StoreSwapToNative(ctx context.Context, sw SwapToNative) error {
	return s.locker.WithLock(ctx, lockBalancePrefix+sw.Native, func(ctx context.Context) error {
		setKey := keySwapsInPrefix + sw.Evm
		if _, ok, err := s.kv.ZScore(ctx, setKey, []byte(sw.Hash)); err != nil {
			return err
		} else if ok {
			return nil
		}

		balance, err := s.readBalance(ctx, sw.Native)
		if err != nil {
			return err
		}
		balance.Add(balance, sw.Amount)

		if err := s.writeBalance(ctx, sw.Native, balance); err != nil {
			return err
		}
		if _, err := s.kv.ZAdd(ctx, setKey, float64(sw.Timestamp), []byte(sw.Hash)); err != nil {
			return err
		}
		return s.writeAudit(ctx, "swap-to-native:"+sw.Hash, map[string]string{
			"type":           "swap-to-native",
			"evm":            sw.Evm,
			"native":         sw.Native,
			"amount":         formatUnits(sw.Amount),
			"wrappedBalance": sw.WrappedBalance,
			"timestamp":      strconv.FormatInt(sw.Timestamp, 10),
			"hash":           sw.Hash,
		})
	})
}

// --- scan cursor ---

// GetScanCursor returns the last EVM block processed, 0 when never set.
func (s *Store) GetScanCursor(ctx context.Context) (uint64, error) {
	raw, err := s.kv.GetString(ctx, keyScanCursor)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	block, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt scan cursor %q: %w", raw, err)
	}
	return block, nil
}

// AdvanceScanCursor writes the cursor only when block is strictly greater
// than the stored value, so the cursor is monotone under any interleaving
// of slice completions.
func (s *Store) AdvanceScanCursor(ctx context.Context, block uint64) error {
	return s.locker.WithLock(ctx, lockScanCursor, func(ctx context.Context) error {
		current, err := s.GetScanCursor(ctx)
		if err != nil {
			return err
		}
		if block <= current {
			return nil
		}
		return s.kv.SetString(ctx, keyScanCursor, strconv.FormatUint(block, 10))
	})
}

// --- history ---

// Deposits returns the newest-first deposit history for native, capped at 1000.
func (s *Store) Deposits(ctx context.Context, native string) ([]Deposit, error) {
	records, err := s.readHistory(ctx, keyDepositsPrefix+native, "deposit:")
	if err != nil {
		return nil, err
	}
	out := make([]Deposit, 0, len(records))
	for _, r := range records {
		amount := parseUnits(r["amount"])
		out = append(out, Deposit{
			Native:    r["native"],
			Amount:    amount,
			AmountStr: amount.String(),
			Timestamp: parseMillis(r["timestamp"]),
			Hash:      r["hash"],
		})
	}
	return out, nil
}

// Withdrawals returns the newest-first withdrawal history for native.
func (s *Store) Withdrawals(ctx context.Context, native string) ([]Withdrawal, error) {
	records, err := s.readHistory(ctx, keyWithdrawalsPrefix+native, "withdrawal:"+native+":")
	if err != nil {
		return nil, err
	}
	out := make([]Withdrawal, 0, len(records))
	for _, r := range records {
		amount := parseUnits(r["amount"])
		out = append(out, Withdrawal{
			Native:    r["native"],
			Amount:    amount,
			AmountStr: amount.String(),
			Timestamp: parseMillis(r["timestamp"]),
			Hash:      r["hash"],
		})
	}
	return out, nil
}

// SwapsToWrapped returns the newest-first swap-out history for native.
func (s *Store) SwapsToWrapped(ctx context.Context, native string) ([]SwapToWrapped, error) {
	records, err := s.readHistory(ctx, keySwapsOutPrefix+native, "swap-to-wrapped:")
	if err != nil {
		return nil, err
	}
	out := make([]SwapToWrapped, 0, len(records))
	for _, r := range records {
		amount := parseUnits(r["amount"])
		uuid, _ := strconv.ParseUint(r["uuid"], 10, 64)
		out = append(out, SwapToWrapped{
			Native:    r["native"],
			Evm:       r["evm"],
			Amount:    amount,
			AmountStr: amount.String(),
			Timestamp: parseMillis(r["timestamp"]),
			Receipt:   r["receipt"],
			UUID:      uuid,
		})
	}
	return out, nil
}

// SwapsToNative returns the newest-first swap-in history for evm.
func (s *Store) SwapsToNative(ctx context.Context, evm string) ([]SwapToNative, error) {
	records, err := s.readHistory(ctx, keySwapsInPrefix+evm, "swap-to-native:")
	if err != nil {
		return nil, err
	}
	out := make([]SwapToNative, 0, len(records))
	for _, r := range records {
		amount := parseUnits(r["amount"])
		out = append(out, SwapToNative{
			Evm:            r["evm"],
			Native:         r["native"],
			Amount:         amount,
			AmountStr:      amount.String(),
			WrappedBalance: r["wrappedBalance"],
			Timestamp:      parseMillis(r["timestamp"]),
			Hash:           r["hash"],
		})
	}
	return out, nil
}

// readHistory walks a record set newest-first and materialises each audit map.
func (s *Store) readHistory(ctx context.Context, setKey, auditPrefix string) ([]map[string]string, error) {
	members, err := s.kv.ZRevRangeByScore(ctx, setKey, math.Inf(-1), math.Inf(1), 0, historyLimit)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]string, 0, len(members))
	for _, m := range members {
		fields, err := s.kv.HGetAll(ctx, keyAuditPrefix+auditPrefix+string(m.Member))
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				s.logger.Warnw("Record set member without audit entry", "set", setKey, "member", string(m.Member))
				continue
			}
			return nil, err
		}
		record := make(map[string]string, len(fields))
		for k, v := range fields {
			record[k] = string(v)
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *Store) writeAudit(ctx context.Context, key string, fields map[string]string) error {
	for field, value := range fields {
		if err := s.kv.HSet(ctx, keyAuditPrefix+key, field, []byte(value)); err != nil {
			return err
		}
	}
	return nil
}

func parseMillis(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
