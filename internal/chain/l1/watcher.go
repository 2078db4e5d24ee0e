package l1

import (
	"context"
	"math/big"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pawbridge/bridge-backend/internal/queue"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	sweepInterval    = time.Minute
	reconnectBackoff = time.Second
)

// NodeClient is the slice of the node client the watcher consumes; tests
// substitute an in-memory double.
type NodeClient interface {
	StreamConfirmations(ctx context.Context) (<-chan Confirmation, error)
	Receivables(ctx context.Context) ([]Receivable, error)
	Receive(ctx context.Context, hash string) error
}

// DepositSink accepts classified deposits; the queue implements it.
type DepositSink interface {
	EnqueueDeposit(ctx context.Context, d queue.DepositJob) error
}

// Watcher feeds the deposit pipeline from two independent sources: the
// confirmation websocket and a periodic sweep of pending receivables that
// reconciles anything the stream missed.
type Watcher struct {
	client     NodeClient
	sink       DepositSink
	hotWallet  string
	coldWallet string
	logger     *zap.SugaredLogger
	scheduler  gocron.Scheduler
}

func NewWatcher(client NodeClient, sink DepositSink, hotWallet, coldWallet string, logger *zap.SugaredLogger) *Watcher {
	return &Watcher{
		client:     client,
		sink:       sink,
		hotWallet:  hotWallet,
		coldWallet: coldWallet,
		logger:     logger,
	}
}

// Start launches the stream loop and the sweep schedule.
func (w *Watcher) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	w.scheduler = scheduler

	if _, err := scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() { w.sweep(ctx) }),
	); err != nil {
		return err
	}
	scheduler.Start()

	go w.streamLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = scheduler.Shutdown()
	}()

	w.logger.Infow("L1 watcher started", "hotWallet", w.hotWallet, "sweepInterval", sweepInterval)
	return nil
}

// streamLoop owns the websocket and reconnects as soon as it drops. The
// jittered pause only spaces out tight failure loops; missed messages are
// the sweep's problem.
func (w *Watcher) streamLoop(ctx context.Context) {
	backoff := retry.WithJitterPercent(20, retry.NewConstant(reconnectBackoff))

	for ctx.Err() == nil {
		stream, err := w.client.StreamConfirmations(ctx)
		if err != nil {
			w.logger.Warnw("Confirmation stream connect failed", "error", err)
			if d, stop := backoff.Next(); !stop {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		w.logger.Infow("Confirmation stream connected")
		for conf := range stream {
			w.handle(ctx, conf.Sender, conf.Receiver, conf.AmountRaw, conf.Hash)
		}
		w.logger.Warnw("Confirmation stream dropped; reconnecting")
	}
}

// sweep reconciles pending receivables the stream may have missed.
func (w *Watcher) sweep(ctx context.Context) {
	receivables, err := w.client.Receivables(ctx)
	if err != nil {
		w.logger.Warnw("Receivable sweep failed", "error", err)
		return
	}
	if len(receivables) > 0 {
		w.logger.Infow("Receivable sweep", "count", len(receivables))
	}
	for _, r := range receivables {
		w.handle(ctx, r.Source, w.hotWallet, r.AmountRaw, r.Hash)
	}
}

// handle classifies one inbound transfer and routes it.
func (w *Watcher) handle(ctx context.Context, sender, receiver string, amountRaw *big.Int, hash string) {
	units := new(big.Int).Div(amountRaw, RawPerUnit)

	// Self-pays (hot/cold shuffles, refund change) are pocketed, not credited
	if sender == w.hotWallet || sender == w.coldWallet {
		if err := w.client.Receive(ctx, hash); err != nil {
			w.logger.Warnw("Self-pay receive failed", "hash", hash, "error", err)
		}
		return
	}

	if receiver != w.hotWallet {
		w.logger.Infow("Ignoring transfer to foreign account",
			"sender", sender, "receiver", receiver, "hash", hash)
		return
	}

	if err := w.sink.EnqueueDeposit(ctx, queue.DepositJob{
		Sender:    sender,
		Amount:    units.String(),
		Timestamp: time.Now().UnixMilli(),
		Hash:      hash,
	}); err != nil {
		w.logger.Errorw("Deposit enqueue failed", "sender", sender, "hash", hash, "error", err)
	}
}
