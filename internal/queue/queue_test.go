package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pawbridge/bridge-backend/pkg/kv/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mem := memory.New(0)
	t.Cleanup(func() { mem.Close() })
	q := New(mem, zap.NewNop().Sugar())
	q.pollInterval = 10 * time.Millisecond
	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDuplicateEnqueueIsNoOp(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed int32
	q.RegisterProcessor(TopicDeposit, func(ctx context.Context, job *Job) (any, error) {
		atomic.AddInt32(&processed, 1)
		return nil, nil
	})
	q.Start(ctx)

	d := DepositJob{Sender: "paw_a", Amount: "100", Timestamp: 1, Hash: "h1"}
	require.NoError(t, q.EnqueueDeposit(ctx, d))
	require.NoError(t, q.EnqueueDeposit(ctx, d))
	require.NoError(t, q.EnqueueDeposit(ctx, d))

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&processed) == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&processed))
}

func TestCompletionListener(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.RegisterProcessor(TopicDeposit, func(ctx context.Context, job *Job) (any, error) {
		return "receipt-1", nil
	})

	var mu sync.Mutex
	var completed []*Job
	var results []any
	q.AddJobListener(Listener{
		OnCompleted: func(job *Job, result any) {
			mu.Lock()
			completed = append(completed, job)
			results = append(results, result)
			mu.Unlock()
		},
	})
	q.Start(ctx)

	require.NoError(t, q.EnqueueDeposit(ctx, DepositJob{Sender: "paw_a", Amount: "5", Timestamp: 2, Hash: "h2"}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "deposit-paw_a-h2", completed[0].ID)
	assert.Equal(t, "receipt-1", results[0])
}

func TestRetryWithBackoffThenFail(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("rpc unreachable")
	var attempts int32
	q.RegisterProcessor(TopicEvmScan, func(ctx context.Context, job *Job) (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, boom
	})

	var failedErr atomic.Value
	q.AddJobListener(Listener{
		OnFailed: func(job *Job, err error) { failedErr.Store(err) },
	})
	q.Start(ctx)

	require.NoError(t, q.Enqueue(ctx, TopicEvmScan, "evm-scan-1-2", ScanJob{From: 1, To: 2}, Options{MaxAttempts: 2}))

	// attempt 1 immediately, attempt 2 after ~1 s of backoff
	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt32(&attempts) == 2 })
	waitFor(t, 2*time.Second, func() bool { return failedErr.Load() != nil })
	assert.ErrorIs(t, failedErr.Load().(error), boom)

	// removeOnFail defaults to false: the failure is retained for inspection
	failed, err := q.FailedJobs(ctx, TopicEvmScan)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evm-scan-1-2", failed[0].ID)
}

func TestUnrecoverableSkipsRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	q.RegisterProcessor(TopicWithdrawal, func(ctx context.Context, job *Job) (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, Unrecoverable(errors.New("already processed"))
	})

	var failures int32
	q.AddJobListener(Listener{
		OnFailed: func(job *Job, err error) { atomic.AddInt32(&failures, 1) },
	})
	q.Start(ctx)

	require.NoError(t, q.EnqueueWithdrawal(ctx, WithdrawalJob{Native: "paw_b", Amount: "1", Timestamp: 7}))

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&failures) == 1 })
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestDelayedJobWaits(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processedAt atomic.Value
	q.RegisterProcessor(TopicDeposit, func(ctx context.Context, job *Job) (any, error) {
		processedAt.Store(time.Now())
		return nil, nil
	})
	q.Start(ctx)

	start := time.Now()
	require.NoError(t, q.Enqueue(ctx, TopicDeposit, "deposit-delayed", DepositJob{}, Options{Delay: 150 * time.Millisecond}))

	waitFor(t, 2*time.Second, func() bool { return processedAt.Load() != nil })
	assert.GreaterOrEqual(t, processedAt.Load().(time.Time).Sub(start), 140*time.Millisecond)
}

func TestFIFOWithinTopic(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	q.RegisterProcessor(TopicDeposit, func(ctx context.Context, job *Job) (any, error) {
		var d DepositJob
		require.NoError(t, json.Unmarshal(job.Payload, &d))
		mu.Lock()
		order = append(order, d.Hash)
		mu.Unlock()
		return nil, nil
	})

	// Enqueue before starting so the worker sees all three at once
	for i, hash := range []string{"h1", "h2", "h3"} {
		require.NoError(t, q.Enqueue(ctx, TopicDeposit, "deposit-fifo-"+hash, DepositJob{Hash: hash, Timestamp: int64(i)}, Options{}))
		time.Sleep(2 * time.Millisecond) // distinct enqueue timestamps
	}
	q.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"h1", "h2", "h3"}, order)
}

func TestPendingWithdrawalReplacement(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	w := WithdrawalJob{Native: "paw_c", Amount: "150", Evm: "0xC", Signature: "0xsig", Timestamp: 9000}
	require.NoError(t, q.EnqueuePendingWithdrawal(ctx, w))

	// Replacement carries attempt 1, a one-minute delay, and no signature
	job, err := q.readJob(ctx, "pending-withdrawal-paw_c-9000-attempt-1")
	require.NoError(t, err)
	assert.True(t, job.RemoveOnFail)

	var replacement WithdrawalJob
	require.NoError(t, json.Unmarshal(job.Payload, &replacement))
	assert.Equal(t, 1, replacement.Attempt)
	assert.Empty(t, replacement.Signature)

	amount, err := q.GetPendingWithdrawalsAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "150000000000", amount.String()) // 150 PAW in 1e-9 units

	// A second unsatisfied attempt replaces again with a longer delay
	require.NoError(t, q.EnqueuePendingWithdrawal(ctx, replacement))
	amount, err = q.GetPendingWithdrawalsAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "300000000000", amount.String())
}
