package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Topic names. Each topic has a single worker so per-entity mutations
// serialise; across topics workers run in parallel.
const (
	TopicDeposit       = "deposit"
	TopicWithdrawal    = "withdrawal"
	TopicSwapToWrapped = "swap-to-wrapped"
	TopicSwapToNative  = "swap-to-native"
	TopicEvmScan       = "evm-scan"
)

// Default per-job policy.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	backoffBase        = time.Second

	pendingWithdrawalDelay  = time.Minute
	pendingWithdrawalPrefix = "pending-withdrawal-"
)

// ErrReplaced marks a job that re-enqueued a successor of itself; the
// original fails, the replacement is the authoritative one.
var ErrReplaced = errors.New("replaced by delayed retry")

// unrecoverableError short-circuits the retry policy.
type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable wraps an error so the worker fails the job immediately
// instead of retrying up to the attempts cap.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var ue *unrecoverableError
	return errors.As(err, &ue)
}

// Job is a unit of work on a topic. The natural ID makes duplicate enqueues
// no-ops at the queue boundary.
type Job struct {
	ID           string `json:"id"`
	Topic        string `json:"topic"`
	Payload      []byte `json:"payload"`
	Attempt      int    `json:"attempt"`
	MaxAttempts  int    `json:"maxAttempts"`
	TimeoutMs    int64  `json:"timeoutMs"`
	RemoveOnFail bool   `json:"removeOnFail"`
	CreatedAt    int64  `json:"createdAt"` // milliseconds
}

func (j *Job) timeout() time.Duration {
	if j.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// Options tune a single enqueue away from the default policy.
type Options struct {
	Delay        time.Duration
	MaxAttempts  int
	Timeout      time.Duration
	RemoveOnFail bool
}

// Processor handles one job; the returned value is passed to completion
// listeners (and through them to the notification sink).
type Processor func(ctx context.Context, job *Job) (any, error)

// --- job payloads ---

// DepositJob is produced by the L1 watcher for each inbound transfer.
type DepositJob struct {
	Sender    string `json:"sender"`
	Amount    string `json:"amount"` // atomic units, decimal string
	Timestamp int64  `json:"timestamp"`
	Hash      string `json:"hash"`
}

// WithdrawalJob is a user withdrawal request. Amount is a decimal string in
// whole coins. Signature is empty on delayed retries: the first attempt
// already validated it.
type WithdrawalJob struct {
	Native    string `json:"native"`
	Amount    string `json:"amount"`
	Evm       string `json:"evm"`
	Signature string `json:"signature,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Attempt   int    `json:"attempt"`
}

// SwapToWrappedJob is a user request to convert native balance into a mint
// receipt. Amount is a decimal string in whole coins.
type SwapToWrappedJob struct {
	Native    string `json:"native"`
	Evm       string `json:"evm"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// SwapToNativeJob is produced by the EVM watcher for each wTKN burn.
// Amount is in native atomic units.
type SwapToNativeJob struct {
	Evm            string `json:"evm"`
	Native         string `json:"native"`
	Amount         string `json:"amount"`
	WrappedBalance string `json:"wrappedBalance,omitempty"`
	Hash           string `json:"hash"`
	Timestamp      int64  `json:"timestamp"`
}

// ScanJob asks the EVM watcher to walk a block range for missed burns.
type ScanJob struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func depositJobID(d DepositJob) string {
	return fmt.Sprintf("%s-%s-%s", TopicDeposit, d.Sender, d.Hash)
}

func withdrawalJobID(w WithdrawalJob) string {
	return fmt.Sprintf("%s-%s-%d", TopicWithdrawal, w.Native, w.Timestamp)
}

func pendingWithdrawalJobID(w WithdrawalJob) string {
	return fmt.Sprintf("%s%s-%d-attempt-%d", pendingWithdrawalPrefix, w.Native, w.Timestamp, w.Attempt)
}

func swapToWrappedJobID(sw SwapToWrappedJob) string {
	return fmt.Sprintf("%s-%s-%d", TopicSwapToWrapped, sw.Native, sw.Timestamp)
}

func swapToNativeJobID(sw SwapToNativeJob) string {
	return fmt.Sprintf("%s-%s-%s", TopicSwapToNative, sw.Evm, sw.Hash)
}

func scanJobID(sc ScanJob) string {
	return fmt.Sprintf("%s-%d-%d", TopicEvmScan, sc.From, sc.To)
}
