// Package bridge runs the long-lived task that pattern-subscribes to every
// meeting's rest channels and re-emits broker messages into the session
// multiplexer.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jphacks/os-2521/broker"
	"github.com/jphacks/os-2521/hub"
	"github.com/jphacks/os-2521/metrics"
)

// Bridge forwards broker events to socket groups. One bridge runs per
// process lifetime.
type Bridge struct {
	broker broker.Broker
	hub    *hub.Hub
	log    *slog.Logger
}

// New creates a Bridge.
func New(b broker.Broker, h *hub.Hub, log *slog.Logger) *Bridge {
	return &Bridge{broker: b, hub: h, log: log}
}

// Run subscribes to the meeting-rest patterns and forwards messages until
// the context is cancelled or the subscription is lost. A malformed message
// is logged and skipped; it never terminates the loop. The subscription is
// released on every exit path.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.broker.PSubscribe(ctx, broker.RestPattern, broker.RestRequestPattern)
	if err != nil {
		return fmt.Errorf("bridge subscribe: %w", err)
	}
	defer sub.Close()

	b.log.Info("bridge started", "patterns", []string{broker.RestPattern, broker.RestRequestPattern})

	for {
		select {
		case <-ctx.Done():
			b.log.Info("bridge shutting down")
			return nil
		case msg, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("bridge subscription closed unexpectedly")
			}
			b.dispatch(msg)
		}
	}
}

// dispatch routes one broker message to the meeting's group. The event name
// is chosen by channel suffix, the payload is forwarded as received.
func (b *Bridge) dispatch(msg broker.Message) {
	meetingID, eventName, err := broker.ParseChannel(msg.Channel)
	if err != nil {
		b.log.Warn("skipping message on unrecognized channel", "channel", msg.Channel, "error", err)
		metrics.BridgeDecodeFailures.Inc()
		return
	}

	var payload json.RawMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		b.log.Warn("skipping malformed event payload", "channel", msg.Channel, "error", err)
		metrics.BridgeDecodeFailures.Inc()
		return
	}

	b.hub.Broadcast(meetingID, eventName, payload)
	metrics.EventsBridged.WithLabelValues(eventName).Inc()
	b.log.Debug("bridged event", "meeting_id", meetingID, "event", eventName)
}
