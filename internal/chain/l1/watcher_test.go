package l1

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/pawbridge/bridge-backend/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNode struct {
	mu          sync.Mutex
	stream      chan Confirmation
	receivables []Receivable
	received    []string
}

func (f *fakeNode) StreamConfirmations(ctx context.Context) (<-chan Confirmation, error) {
	return f.stream, nil
}

func (f *fakeNode) Receivables(ctx context.Context) ([]Receivable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receivables, nil
}

func (f *fakeNode) Receive(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, hash)
	return nil
}

type captureSink struct {
	mu   sync.Mutex
	jobs []queue.DepositJob
}

func (c *captureSink) EnqueueDeposit(ctx context.Context, d queue.DepositJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, d)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func raw(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), RawPerUnit)
}

func newWatcherFixture() (*Watcher, *fakeNode, *captureSink) {
	node := &fakeNode{stream: make(chan Confirmation, 8)}
	sink := &captureSink{}
	w := NewWatcher(node, sink, "paw_hot", "paw_cold", zap.NewNop().Sugar())
	return w, node, sink
}

func TestStreamDepositEnqueued(t *testing.T) {
	w, node, sink := newWatcherFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.streamLoop(ctx)

	node.stream <- Confirmation{
		Sender:    "paw_user",
		Receiver:  "paw_hot",
		Hash:      "conf1",
		AmountRaw: raw(3_000_000_000), // 3 PAW in units, scaled to raw
	}

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "paw_user", sink.jobs[0].Sender)
	assert.Equal(t, "3000000000", sink.jobs[0].Amount)
	assert.Equal(t, "conf1", sink.jobs[0].Hash)
	assert.NotZero(t, sink.jobs[0].Timestamp)
}

func TestSelfPayOnlyReceives(t *testing.T) {
	w, node, sink := newWatcherFixture()
	ctx := context.Background()

	w.handle(ctx, "paw_cold", "paw_hot", raw(100), "selfpay1")
	w.handle(ctx, "paw_hot", "paw_hot", raw(50), "selfpay2")

	assert.Zero(t, sink.count())
	assert.Equal(t, []string{"selfpay1", "selfpay2"}, node.received)
}

func TestForeignReceiverIgnored(t *testing.T) {
	w, node, sink := newWatcherFixture()

	w.handle(context.Background(), "paw_user", "paw_other", raw(100), "foreign1")

	assert.Zero(t, sink.count())
	assert.Empty(t, node.received)
}

func TestSweepReconcilesMissedReceivables(t *testing.T) {
	w, node, sink := newWatcherFixture()
	node.receivables = []Receivable{
		{Hash: "miss1", Source: "paw_user1", AmountRaw: raw(1_000_000_000)},
		{Hash: "miss2", Source: "paw_hot", AmountRaw: raw(2_000_000_000)}, // self-pay
	}

	w.sweep(context.Background())

	assert.Equal(t, 1, sink.count())
	sink.mu.Lock()
	assert.Equal(t, "miss1", sink.jobs[0].Hash)
	sink.mu.Unlock()
	assert.Equal(t, []string{"miss2"}, node.received)
}

func TestRawStripping(t *testing.T) {
	w, _, sink := newWatcherFixture()

	// 1.466 PAW arrives as raw with nine extra digits of precision
	amountRaw, _ := new(big.Int).SetString("1466000000000000000", 10)
	w.handle(context.Background(), "paw_user", "paw_hot", amountRaw, "frac1")

	require.Equal(t, 1, sink.count())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "1466000000", sink.jobs[0].Amount)
}
