// Package notify turns job outcomes into per-user events on the bus.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pawbridge/bridge-backend/internal/bridge"
	"github.com/pawbridge/bridge-backend/internal/queue"
	"github.com/pawbridge/bridge-backend/internal/store"
	"go.uber.org/zap"
)

// UserChannel names the bus channel carrying one user's bridge events.
func UserChannel(native string) string {
	return "bridge:user:" + native
}

// Event is the payload pushed to the SSE stream.
type Event struct {
	Topic     string `json:"topic"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"` // completed | failed; a withdrawal deferred for liquidity (queue.ErrReplaced) publishes no event
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Notifier listens on the queue and publishes outcomes to the owning user.
type Notifier struct {
	bus    *store.Bus
	logger *zap.SugaredLogger
}

func NewNotifier(bus *store.Bus, logger *zap.SugaredLogger) *Notifier {
	return &Notifier{bus: bus, logger: logger}
}

// Listener returns the queue listener to register.
func (n *Notifier) Listener() queue.Listener {
	return queue.Listener{
		OnCompleted: func(job *queue.Job, result any) {
			n.publish(job, Event{
				Topic:     job.Topic,
				JobID:     job.ID,
				Status:    "completed",
				Result:    result,
				Timestamp: time.Now().UnixMilli(),
			})
		},
		OnFailed: func(job *queue.Job, err error) {
			n.publish(job, Event{
				Topic:     job.Topic,
				JobID:     job.ID,
				Status:    "failed",
				Code:      bridge.ErrorCode(err),
				Error:     err.Error(),
				Timestamp: time.Now().UnixMilli(),
			})
		},
	}
}

func (n *Notifier) publish(job *queue.Job, event Event) {
	native := ownerOf(job)
	if native == "" {
		return
	}
	if err := n.bus.Publish(context.Background(), UserChannel(native), event); err != nil &&
		!errors.Is(err, context.Canceled) {
		n.logger.Warnw("Event publish failed", "jobId", job.ID, "error", err)
	}
}

// ownerOf extracts the native address a job's outcome belongs to.
func ownerOf(job *queue.Job) string {
	switch job.Topic {
	case queue.TopicDeposit:
		var d queue.DepositJob
		if json.Unmarshal(job.Payload, &d) == nil {
			return d.Sender
		}
	case queue.TopicWithdrawal:
		var w queue.WithdrawalJob
		if json.Unmarshal(job.Payload, &w) == nil {
			return w.Native
		}
	case queue.TopicSwapToWrapped:
		var sw queue.SwapToWrappedJob
		if json.Unmarshal(job.Payload, &sw) == nil {
			return sw.Native
		}
	case queue.TopicSwapToNative:
		var sw queue.SwapToNativeJob
		if json.Unmarshal(job.Payload, &sw) == nil {
			return sw.Native
		}
	}
	return ""
}
