// Package sse implements the per-meeting server-push stream. Each request
// holds a dedicated broker subscription merged with a heartbeat timer into
// a single ordered outbound sequence.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jphacks/os-2521/broker"
	"github.com/jphacks/os-2521/metrics"
)

// DefaultHeartbeatInterval is how often a heartbeat event is emitted on an
// otherwise idle stream.
const DefaultHeartbeatInterval = 30 * time.Second

// Handler serves GET /sse/events?meeting_id=...
type Handler struct {
	broker    broker.Broker
	heartbeat time.Duration
	log       *slog.Logger
}

// NewHandler creates an SSE handler. heartbeat <= 0 selects the default.
func NewHandler(b broker.Broker, heartbeat time.Duration, log *slog.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Handler{broker: b, heartbeat: heartbeat, log: log}
}

// ServeHTTP runs the connection state machine: subscribe, emit a synthetic
// connected event, then stream until the client goes away. The dedicated
// subscription is released on every exit path, including cancellation.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	meetingID := r.URL.Query().Get("meeting_id")
	if meetingID == "" {
		http.Error(w, "meeting_id query parameter is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub, err := h.broker.Subscribe(ctx,
		broker.RestChannel(meetingID),
		broker.RestRequestChannel(meetingID),
	)
	if err != nil {
		h.log.Error("sse subscribe failed", "meeting_id", meetingID, "error", err)
		http.Error(w, "failed to subscribe to meeting events", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.StreamConnectionsActive.Inc()
	metrics.StreamConnectionsTotal.Inc()
	defer metrics.StreamConnectionsActive.Dec()

	h.log.Info("sse client connected", "meeting_id", meetingID, "remote", r.RemoteAddr)
	defer h.log.Info("sse client disconnected", "meeting_id", meetingID, "remote", r.RemoteAddr)

	writeEvent(w, "connected", mustJSON(map[string]string{
		"meeting_id": meetingID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}))
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	// Heartbeats and forwarded messages are independent: a broker message
	// does not reset the heartbeat timer.
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Events():
			if !ok {
				h.log.Warn("sse subscription lost", "meeting_id", meetingID)
				return
			}
			writeEvent(w, "message", msg.Payload)
			flusher.Flush()
		case <-ticker.C:
			writeEvent(w, "heartbeat", mustJSON(map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err) // maps of strings cannot fail to marshal
	}
	return data
}
