package bridge

import (
	"context"
	"fmt"
	"math/big"
)

// rebalance runs the hot->cold sweep after a successful deposit.
//
// Policy: never dip below the configured minimum, and only sweep while the
// hot wallet sits above its target share of total custody. The swept chunk
// is the smaller of (hot - minimum) and the deposit just credited, floored
// to whole coins, of which (100 - ratio)% moves cold.
func (s *Service) rebalance(ctx context.Context, deposit *big.Int) error {
	hot, err := s.l1.Balance(ctx, s.cfg.HotWallet)
	if err != nil {
		return fmt.Errorf("hot balance: %w", err)
	}
	cold, err := s.l1.Balance(ctx, s.cfg.ColdWallet)
	if err != nil {
		return fmt.Errorf("cold balance: %w", err)
	}

	send := coldSweepAmount(hot, cold, deposit, s.cfg.HotWalletMinimum, s.cfg.HotColdRatio)
	if send.Sign() <= 0 {
		return nil
	}

	hash, err := s.l1.Send(ctx, s.cfg.ColdWallet, send)
	if err != nil {
		return fmt.Errorf("sweep to cold: %w", err)
	}

	s.logger.Infow("Hot wallet swept to cold",
		"amount", send.String(),
		"hot", hot.String(),
		"cold", cold.String(),
		"hash", hash,
	)
	return nil
}

// coldSweepAmount computes the sweep in atomic units; zero means no transfer.
func coldSweepAmount(hot, cold, deposit, minimum *big.Int, ratioPercent int) *big.Int {
	zero := new(big.Int)
	if hot.Cmp(minimum) <= 0 {
		return zero
	}

	// target hot balance = ratio% of total custody
	total := new(big.Int).Add(hot, cold)
	target := new(big.Int).Mul(total, big.NewInt(int64(ratioPercent)))
	target.Div(target, big.NewInt(100))
	if hot.Cmp(target) <= 0 {
		return zero
	}

	chunk := new(big.Int).Sub(hot, minimum)
	if deposit.Cmp(chunk) < 0 {
		chunk.Set(deposit)
	}
	// floor to whole coins before applying the ratio
	chunk.Div(chunk, UnitsPerCoin)
	chunk.Mul(chunk, UnitsPerCoin)

	send := chunk.Mul(chunk, big.NewInt(int64(100-ratioPercent)))
	return send.Div(send, big.NewInt(100))
}
