package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/pawbridge/bridge-backend/internal/queue"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	// confirmations is the sole finality guard; deeper reorgs are out of
	// scope and left to operator monitoring.
	confirmations = 5

	sliceSize        = 1000
	headPollInterval = 3 * time.Second
	resubscribeDelay = 2 * time.Second
)

// nativeScale drops the 9 extra decimals between wTKN (18) and native (9).
var nativeScale = big.NewInt(1_000_000_000)

// ChainClient is the slice of the EVM client the watcher consumes.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterSwapEvents(ctx context.Context, from, to uint64) ([]SwapEvent, error)
	SubscribeSwapEvents(ctx context.Context, sink chan<- SwapEvent) (ethereum.Subscription, error)
	WrappedBalanceOf(ctx context.Context, evm string) (*big.Int, error)
}

// Cursor persists scan progress across restarts.
type Cursor interface {
	GetScanCursor(ctx context.Context) (uint64, error)
	AdvanceScanCursor(ctx context.Context, block uint64) error
}

// SwapSink accepts burn events bound for the bridge service.
type SwapSink interface {
	EnqueueSwapToNative(ctx context.Context, sw queue.SwapToNativeJob) error
	EnqueueEvmScan(ctx context.Context, sc queue.ScanJob) error
}

// Watcher pairs a live subscription with a catch-up scanner so burns survive
// both missed websocket messages and full restarts.
type Watcher struct {
	client ChainClient
	cursor Cursor
	sink   SwapSink
	logger *zap.SugaredLogger
}

func NewWatcher(client ChainClient, cursor Cursor, sink SwapSink, logger *zap.SugaredLogger) *Watcher {
	return &Watcher{client: client, cursor: cursor, sink: sink, logger: logger}
}

// RegisterProcessor installs the evm-scan handler.
func (w *Watcher) RegisterProcessor(q *queue.Queue) {
	q.RegisterProcessor(queue.TopicEvmScan, func(ctx context.Context, job *queue.Job) (any, error) {
		var sc queue.ScanJob
		if err := json.Unmarshal(job.Payload, &sc); err != nil {
			return nil, queue.Unrecoverable(fmt.Errorf("decode scan job: %w", err))
		}
		if err := w.Scan(ctx, sc.From, sc.To); err != nil {
			return nil, err
		}
		return sc, nil
	})
}

// Start enqueues the catch-up scan from the persisted cursor and launches
// the live listener.
func (w *Watcher) Start(ctx context.Context) error {
	last, err := w.cursor.GetScanCursor(ctx)
	if err != nil {
		return fmt.Errorf("read scan cursor: %w", err)
	}
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: head: %v", errExternal, err)
	}

	if head > last {
		if err := w.sink.EnqueueEvmScan(ctx, queue.ScanJob{From: last + 1, To: head}); err != nil {
			return err
		}
		w.logger.Infow("Catch-up scan enqueued", "from", last+1, "to", head)
	}

	go w.listenLoop(ctx)
	return nil
}

var errExternal = fmt.Errorf("evm rpc failure")

// listenLoop owns the live subscription and restarts it on error.
func (w *Watcher) listenLoop(ctx context.Context) {
	backoff := retry.WithJitterPercent(20, retry.NewConstant(resubscribeDelay))

	for ctx.Err() == nil {
		events := make(chan SwapEvent, 32)
		sub, err := w.client.SubscribeSwapEvents(ctx, events)
		if err != nil {
			w.logger.Warnw("Swap event subscribe failed", "error", err)
			if d, stop := backoff.Next(); !stop {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		w.logger.Infow("Swap event subscription live")
	consume:
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				w.logger.Warnw("Swap event subscription dropped", "error", err)
				break consume
			case ev := <-events:
				w.handleLive(ctx, ev)
			}
		}
	}
}

// handleLive waits out the confirmation window, reads the burner's remaining
// wTKN balance for reporting, and hands the burn to the pipeline.
func (w *Watcher) handleLive(ctx context.Context, ev SwapEvent) {
	if err := w.waitConfirmations(ctx, ev.Block); err != nil {
		w.logger.Warnw("Confirmation wait aborted", "tx", ev.Hash, "error", err)
		return
	}

	wrappedBalance := ""
	if balance, err := w.client.WrappedBalanceOf(ctx, ev.Evm); err == nil {
		wrappedBalance = balance.String()
	} else {
		w.logger.Warnw("wTKN balance read failed", "evm", ev.Evm, "error", err)
	}

	if err := w.enqueue(ctx, ev, wrappedBalance); err != nil {
		w.logger.Errorw("Swap enqueue failed", "tx", ev.Hash, "error", err)
	}
}

func (w *Watcher) waitConfirmations(ctx context.Context, block uint64) error {
	for {
		head, err := w.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		if head >= block+confirmations {
			return nil
		}
		select {
		case <-time.After(headPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Scan walks [from, to] forward in fixed slices, enqueueing every burn found
// and advancing the cursor after each slice. A failing slice surfaces to the
// queue; completed slices stay behind the cursor, so the retry covers only
// the failed suffix.
func (w *Watcher) Scan(ctx context.Context, from, to uint64) error {
	for start := from; start <= to; start += sliceSize {
		end := start + sliceSize - 1
		if end > to {
			end = to
		}

		events, err := w.client.FilterSwapEvents(ctx, start, end)
		if err != nil {
			return fmt.Errorf("%w: scan %d-%d: %v", errExternal, start, end, err)
		}
		for _, ev := range events {
			if err := w.enqueue(ctx, ev, ""); err != nil {
				return err
			}
		}

		if err := w.cursor.AdvanceScanCursor(ctx, end); err != nil {
			return err
		}
		w.logger.Debugw("Scan slice done", "from", start, "to", end, "events", len(events))
	}

	w.logger.Infow("Scan complete", "from", from, "to", to)
	return nil
}

func (w *Watcher) enqueue(ctx context.Context, ev SwapEvent, wrappedBalance string) error {
	nativeUnits := new(big.Int).Div(ev.Amount, nativeScale)
	return w.sink.EnqueueSwapToNative(ctx, queue.SwapToNativeJob{
		Evm:            ev.Evm,
		Native:         ev.Native,
		Amount:         nativeUnits.String(),
		WrappedBalance: wrappedBalance,
		Hash:           ev.Hash,
		Timestamp:      ev.Timestamp,
	})
}
