// Package ws serves the per-user event stream over server-sent events.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pawbridge/bridge-backend/internal/metrics"
	"github.com/pawbridge/bridge-backend/internal/notify"
	"github.com/pawbridge/bridge-backend/internal/store"
	"go.uber.org/zap"
)

const heartbeatInterval = 30 * time.Second

type SSEHandler struct {
	bus     *store.Bus
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewSSEHandler(bus *store.Bus, logger *zap.SugaredLogger, metrics *metrics.Metrics) *SSEHandler {
	return &SSEHandler{bus: bus, logger: logger, metrics: metrics}
}

// Stream serves one user's bridge events until the client disconnects.
func (h *SSEHandler) Stream(w http.ResponseWriter, r *http.Request, native string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	channel := notify.UserChannel(native)
	sub := h.bus.Subscribe(ctx, channel)
	defer sub.Close()

	if h.metrics != nil {
		h.metrics.IncrementConnections(ctx)
		defer h.metrics.DecrementConnections(ctx)
	}

	h.logger.Debugw("SSE connection established", "native", native)
	h.sendEvent(w, "connected", channel, nil)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected", "native", native)
			return

		case <-heartbeat.C:
			h.sendEvent(w, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case msg := <-sub.Channel():
			if msg == nil {
				continue
			}
			var data interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
				h.logger.Warnw("Failed to parse bus payload", "error", err)
				continue
			}
			h.sendEvent(w, "bridge_event", msg.Channel, data)
		}
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType, id string, data interface{}) {
	payload := []byte("{}")
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			h.logger.Errorw("Failed to marshal SSE data", "error", err)
			return
		}
		payload = encoded
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "id: %s\n", id)
	fmt.Fprintf(w, "data: %s\n\n", payload)

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
