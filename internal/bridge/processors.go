package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/pawbridge/bridge-backend/internal/queue"
)

// RegisterProcessors installs the bridge's job handlers on the queue. This
// is the long-lived cyclic wiring: the queue later calls back into the
// service by topic.
func RegisterProcessors(q *queue.Queue, svc *Service) {
	q.RegisterProcessor(queue.TopicDeposit, func(ctx context.Context, job *queue.Job) (any, error) {
		var d queue.DepositJob
		if err := json.Unmarshal(job.Payload, &d); err != nil {
			return nil, queue.Unrecoverable(fmt.Errorf("decode deposit job: %w", err))
		}
		amount, ok := new(big.Int).SetString(d.Amount, 10)
		if !ok {
			return nil, queue.Unrecoverable(fmt.Errorf("bad deposit amount %q", d.Amount))
		}
		outcome, err := svc.ProcessDeposit(ctx, DepositJobInput{
			Sender:    d.Sender,
			Amount:    amount,
			Timestamp: d.Timestamp,
			Hash:      d.Hash,
		})
		return outcome, classify(err)
	})

	q.RegisterProcessor(queue.TopicWithdrawal, func(ctx context.Context, job *queue.Job) (any, error) {
		var w queue.WithdrawalJob
		if err := json.Unmarshal(job.Payload, &w); err != nil {
			return nil, queue.Unrecoverable(fmt.Errorf("decode withdrawal job: %w", err))
		}
		outcome, err := svc.ProcessWithdrawal(ctx, WithdrawalRequest{
			Native:    w.Native,
			Amount:    w.Amount,
			Evm:       w.Evm,
			Signature: w.Signature,
			Timestamp: w.Timestamp,
			Attempt:   w.Attempt,
		})
		if errors.Is(err, ErrPendingLiquidity) {
			// The replacement is already scheduled; this instance steps aside.
			return nil, queue.ErrReplaced
		}
		return outcome, classify(err)
	})

	q.RegisterProcessor(queue.TopicSwapToWrapped, func(ctx context.Context, job *queue.Job) (any, error) {
		var sw queue.SwapToWrappedJob
		if err := json.Unmarshal(job.Payload, &sw); err != nil {
			return nil, queue.Unrecoverable(fmt.Errorf("decode swap job: %w", err))
		}
		outcome, err := svc.ProcessSwapToWrapped(ctx, SwapToWrappedInput{
			Native:    sw.Native,
			Evm:       sw.Evm,
			Amount:    sw.Amount,
			Signature: sw.Signature,
			Timestamp: sw.Timestamp,
		})
		return outcome, classify(err)
	})

	q.RegisterProcessor(queue.TopicSwapToNative, func(ctx context.Context, job *queue.Job) (any, error) {
		var sw queue.SwapToNativeJob
		if err := json.Unmarshal(job.Payload, &sw); err != nil {
			return nil, queue.Unrecoverable(fmt.Errorf("decode swap-to-native job: %w", err))
		}
		amount, ok := new(big.Int).SetString(sw.Amount, 10)
		if !ok {
			return nil, queue.Unrecoverable(fmt.Errorf("bad swap amount %q", sw.Amount))
		}
		outcome, err := svc.ProcessSwapToNative(ctx, SwapToNativeInput{
			Evm:            sw.Evm,
			Native:         sw.Native,
			Amount:         amount,
			WrappedBalance: sw.WrappedBalance,
			Hash:           sw.Hash,
			Timestamp:      sw.Timestamp,
		})
		return outcome, classify(err)
	})
}

// QueueScheduler adapts the queue to the PendingScheduler capability.
type QueueScheduler struct {
	Q *queue.Queue
}

func (s QueueScheduler) EnqueuePendingWithdrawal(ctx context.Context, w WithdrawalRequest) error {
	return s.Q.EnqueuePendingWithdrawal(ctx, queue.WithdrawalJob{
		Native:    w.Native,
		Amount:    w.Amount,
		Evm:       w.Evm,
		Signature: w.Signature,
		Timestamp: w.Timestamp,
		Attempt:   w.Attempt,
	})
}

func (s QueueScheduler) GetPendingWithdrawalsAmount(ctx context.Context) (*big.Int, error) {
	return s.Q.GetPendingWithdrawalsAmount(ctx)
}

// classify keeps retryable failures plain so the queue backs off and tries
// again; everything else fails the job on first sight.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if Retryable(err) {
		return err
	}
	return queue.Unrecoverable(err)
}
