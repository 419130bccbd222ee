// Package intake validates and executes the three ways a rest event can
// originate, writing meeting state and publishing exactly one normalized
// event per call.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jphacks/os-2521/broker"
	"github.com/jphacks/os-2521/meeting"
	"github.com/jphacks/os-2521/metrics"
)

// ThresholdPolicy is the pluggable decision point for escalating aggregated
// requests into an actual rest trigger. The intake only reports the
// post-increment count; whether and when that becomes a trigger is policy.
type ThresholdPolicy interface {
	OnRequestCount(ctx context.Context, meetingID string, count int64)
}

// NopPolicy never escalates. It is the default: aggregation reports counts
// and leaves triggering to an external decision point.
type NopPolicy struct{}

func (NopPolicy) OnRequestCount(context.Context, string, int64) {}

// Intake produces rest events. Store writes and the publish are not atomic:
// near-simultaneous triggers may be observed out of causal order, which is
// accepted best-effort behavior.
type Intake struct {
	store  meeting.Store
	broker broker.Broker
	policy ThresholdPolicy
	log    *slog.Logger
	now    func() time.Time
}

// New creates an Intake. policy may be nil for NopPolicy.
func New(store meeting.Store, b broker.Broker, policy ThresholdPolicy, log *slog.Logger) *Intake {
	if policy == nil {
		policy = NopPolicy{}
	}
	return &Intake{
		store:  store,
		broker: b,
		policy: policy,
		log:    log,
		now:    time.Now,
	}
}

// publish sends the event on its channel. A publish failure after a
// successful state write is logged and swallowed: there is no outbox and no
// retry, the event is simply missed.
func (i *Intake) publish(ctx context.Context, channel string, evt broker.Event) {
	if err := i.broker.Publish(ctx, channel, evt); err != nil {
		i.log.Error("publish lost after state write", "channel", channel, "event", evt.Event, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(evt.Event, i.broker.Type()).Inc()
}

// TriggerRest unconditionally sets the rest flag and publishes
// rest_required.
func (i *Intake) TriggerRest(ctx context.Context, meetingID string) (broker.Event, error) {
	now := i.now()
	if err := i.store.SetRestFlag(ctx, meetingID, now); err != nil {
		return broker.Event{}, fmt.Errorf("trigger rest: %w", err)
	}

	evt := broker.Event{
		Event:     broker.EventRestRequired,
		MeetingID: meetingID,
		Timestamp: now.UTC().Format(time.RFC3339),
		Message:   "time to take a rest",
	}
	i.publish(ctx, broker.RestChannel(meetingID), evt)
	return evt, nil
}

// RequestRestAggregated counts an anonymous request and publishes
// rest_request_updated with the running total. It never sets the rest flag
// itself; escalation is delegated to the threshold policy.
func (i *Intake) RequestRestAggregated(ctx context.Context, meetingID string) (broker.Event, error) {
	now := i.now()
	count, err := i.store.IncrementRestRequests(ctx, meetingID, now)
	if err != nil {
		return broker.Event{}, fmt.Errorf("aggregate rest request: %w", err)
	}

	evt := broker.Event{
		Event:        broker.EventRestRequestUpdated,
		MeetingID:    meetingID,
		RequestCount: count,
		Timestamp:    now.UTC().Format(time.RFC3339),
		Message:      fmt.Sprintf("someone would like a rest (%d so far)", count),
	}
	i.publish(ctx, broker.RestRequestChannel(meetingID), evt)

	i.policy.OnRequestCount(ctx, meetingID, count)
	return evt, nil
}

// RequestRestImmediate treats a single anonymous request as an explicit
// trigger, bypassing aggregation entirely.
func (i *Intake) RequestRestImmediate(ctx context.Context, meetingID string) (broker.Event, error) {
	return i.TriggerRest(ctx, meetingID)
}
