// Package queue is a durable multi-topic job queue on the kv substrate.
//
// Scheduling is a sorted set per topic scored by ready time; job bodies are
// JSON keyed by id; the natural job ID is claimed with SetNX so a duplicate
// enqueue is a no-op. One worker per topic keeps intra-topic processing FIFO.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/pawbridge/bridge-backend/pkg/kv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	keyScheduledPrefix = "queue:scheduled:" // + topic, zset id -> readyAt ms
	keyJobPrefix       = "queue:job:"       // + id, job JSON
	keyIDPrefix        = "queue:ids:"       // + id, dedup marker
	keyFailedPrefix    = "queue:failed:"    // + topic, list of job JSON

	defaultPollInterval = 250 * time.Millisecond
)

// Listener observes job outcomes; the notification sink hangs off these.
type Listener struct {
	OnCompleted func(job *Job, result any)
	OnFailed    func(job *Job, err error)
}

// Queue schedules and runs jobs.
type Queue struct {
	store  kv.Store
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	processors map[string]Processor
	listeners  []Listener

	pollInterval time.Duration
	wg           sync.WaitGroup
}

func New(store kv.Store, logger *zap.SugaredLogger) *Queue {
	return &Queue{
		store:        store,
		logger:       logger,
		processors:   make(map[string]Processor),
		pollInterval: defaultPollInterval,
	}
}

// RegisterProcessor installs the handler for a topic. Must be called before
// Start; this is the registration pattern that wires the bridge service in.
func (q *Queue) RegisterProcessor(topic string, fn Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[topic] = fn
}

// AddJobListener subscribes to job completions and failures.
func (q *Queue) AddJobListener(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Start launches one worker goroutine per registered topic. Workers stop
// when ctx is cancelled; in-flight jobs complete or time out first.
func (q *Queue) Start(ctx context.Context) {
	q.mu.RLock()
	topics := make([]string, 0, len(q.processors))
	for topic := range q.processors {
		topics = append(topics, topic)
	}
	q.mu.RUnlock()

	for _, topic := range topics {
		q.wg.Add(1)
		go q.runWorker(ctx, topic)
	}
	q.logger.Infow("Queue started", "topics", topics)
}

// Wait blocks until all workers have drained after ctx cancellation.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue schedules a job unless its ID was seen before.
func (q *Queue) Enqueue(ctx context.Context, topic, id string, payload any, opts Options) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", id, err)
	}

	fresh, err := q.store.SetNX(ctx, keyIDPrefix+id, []byte("1"), 0)
	if err != nil {
		return fmt.Errorf("claim job id %s: %w", id, err)
	}
	if !fresh {
		q.logger.Debugw("Duplicate job enqueue ignored", "topic", topic, "id", id)
		return nil
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	job := &Job{
		ID:           id,
		Topic:        topic,
		Payload:      body,
		Attempt:      0,
		MaxAttempts:  maxAttempts,
		TimeoutMs:    timeout.Milliseconds(),
		RemoveOnFail: opts.RemoveOnFail,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := q.writeJob(ctx, job); err != nil {
		return err
	}

	readyAt := time.Now().Add(opts.Delay).UnixMilli()
	if _, err := q.store.ZAdd(ctx, keyScheduledPrefix+topic, float64(readyAt), []byte(id)); err != nil {
		return fmt.Errorf("schedule job %s: %w", id, err)
	}

	q.logger.Infow("Job enqueued", "topic", topic, "id", id, "delay", opts.Delay)
	return nil
}

// --- typed enqueue helpers ---

func (q *Queue) EnqueueDeposit(ctx context.Context, d DepositJob) error {
	return q.Enqueue(ctx, TopicDeposit, depositJobID(d), d, Options{})
}

func (q *Queue) EnqueueWithdrawal(ctx context.Context, w WithdrawalJob) error {
	return q.Enqueue(ctx, TopicWithdrawal, withdrawalJobID(w), w, Options{})
}

// EnqueuePendingWithdrawal schedules a delayed replacement for a withdrawal
// the hot wallet cannot cover yet: attempt n waits n minutes. The caller's
// current job should fail with ErrReplaced.
func (q *Queue) EnqueuePendingWithdrawal(ctx context.Context, w WithdrawalJob) error {
	w.Attempt++
	w.Signature = "" // first attempt already validated it
	return q.Enqueue(ctx, TopicWithdrawal, pendingWithdrawalJobID(w), w, Options{
		Delay:        time.Duration(w.Attempt) * pendingWithdrawalDelay,
		RemoveOnFail: true,
	})
}

func (q *Queue) EnqueueSwapToWrapped(ctx context.Context, sw SwapToWrappedJob) error {
	return q.Enqueue(ctx, TopicSwapToWrapped, swapToWrappedJobID(sw), sw, Options{})
}

func (q *Queue) EnqueueSwapToNative(ctx context.Context, sw SwapToNativeJob) error {
	return q.Enqueue(ctx, TopicSwapToNative, swapToNativeJobID(sw), sw, Options{})
}

func (q *Queue) EnqueueEvmScan(ctx context.Context, sc ScanJob) error {
	return q.Enqueue(ctx, TopicEvmScan, scanJobID(sc), sc, Options{})
}

// GetPendingWithdrawalsAmount sums the amounts of waiting and delayed
// pending-withdrawal jobs, in native atomic units. The scheduler treats the
// sum as reserved liquidity.
func (q *Queue) GetPendingWithdrawalsAmount(ctx context.Context) (*big.Int, error) {
	members, err := q.store.ZRangeByScore(ctx, keyScheduledPrefix+TopicWithdrawal, negInf, posInf, 0, 0)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, m := range members {
		id := string(m.Member)
		if !strings.HasPrefix(id, pendingWithdrawalPrefix) {
			continue
		}
		job, err := q.readJob(ctx, id)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var w WithdrawalJob
		if err := json.Unmarshal(job.Payload, &w); err != nil {
			q.logger.Warnw("Unparseable pending withdrawal payload", "id", id, "error", err)
			continue
		}
		amount, err := decimal.NewFromString(w.Amount)
		if err != nil {
			continue
		}
		total.Add(total, amount.Shift(9).Truncate(0).BigInt())
	}
	return total, nil
}

// FailedJobs returns the retained failures for a topic, oldest first.
func (q *Queue) FailedJobs(ctx context.Context, topic string) ([]*Job, error) {
	raw, err := q.store.LRange(ctx, keyFailedPrefix+topic, 0, -1)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	jobs := make([]*Job, 0, len(raw))
	for _, body := range raw {
		var job Job
		if err := json.Unmarshal(body, &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// --- persistence helpers ---

func (q *Queue) writeJob(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, keyJobPrefix+job.ID, body)
}

func (q *Queue) readJob(ctx context.Context, id string) (*Job, error) {
	body, err := q.store.Get(ctx, keyJobPrefix+id)
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("corrupt job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) notifyCompleted(job *Job, result any) {
	q.mu.RLock()
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.RUnlock()
	for _, l := range listeners {
		if l.OnCompleted != nil {
			l.OnCompleted(job, result)
		}
	}
}

func (q *Queue) notifyFailed(job *Job, err error) {
	q.mu.RLock()
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.RUnlock()
	for _, l := range listeners {
		if l.OnFailed != nil {
			l.OnFailed(job, err)
		}
	}
}
