package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jphacks/os-2521/broker"
	"github.com/jphacks/os-2521/meeting"
)

type publishRecord struct {
	channel string
	event   broker.Event
}

// fakeBroker records publishes and can be told to fail.
type fakeBroker struct {
	mu        sync.Mutex
	published []publishRecord
	fail      bool
}

func (f *fakeBroker) Publish(_ context.Context, channel string, event broker.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, publishRecord{channel: channel, event: event})
	return nil
}

func (f *fakeBroker) Subscribe(context.Context, ...string) (broker.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) PSubscribe(context.Context, ...string) (broker.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) Type() string { return "fake" }
func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) records() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishRecord(nil), f.published...)
}

type recordingPolicy struct {
	counts []int64
}

func (p *recordingPolicy) OnRequestCount(_ context.Context, _ string, count int64) {
	p.counts = append(p.counts, count)
}

func newTestIntake(t *testing.T, b broker.Broker, policy ThresholdPolicy) (*Intake, meeting.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := meeting.NewRedisStore(client)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, b, policy, log), store
}

func TestTriggerRest(t *testing.T) {
	fb := &fakeBroker{}
	in, store := newTestIntake(t, fb, nil)
	ctx := context.Background()

	evt, err := in.TriggerRest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, broker.EventRestRequired, evt.Event)
	assert.Equal(t, "m1", evt.MeetingID)
	assert.NotEmpty(t, evt.Timestamp)

	status, err := store.Status(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, status.RestFlag)

	records := fb.records()
	require.Len(t, records, 1)
	assert.Equal(t, broker.RestChannel("m1"), records[0].channel)
	assert.Equal(t, evt, records[0].event)
}

func TestTriggerRestSurvivesPublishLoss(t *testing.T) {
	fb := &fakeBroker{fail: true}
	in, store := newTestIntake(t, fb, nil)
	ctx := context.Background()

	// A failed publish after a successful state write is a silent miss,
	// not a failed request.
	_, err := in.TriggerRest(ctx, "m1")
	require.NoError(t, err)

	status, err := store.Status(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, status.RestFlag)
	assert.Empty(t, fb.records())
}

func TestRequestRestAggregated(t *testing.T) {
	fb := &fakeBroker{}
	policy := &recordingPolicy{}
	in, store := newTestIntake(t, fb, policy)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		evt, err := in.RequestRestAggregated(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, broker.EventRestRequestUpdated, evt.Event)
		assert.Equal(t, want, evt.RequestCount)
	}

	// Aggregation never sets the rest flag itself.
	status, err := store.Status(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, status.RestFlag)

	records := fb.records()
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, broker.RestRequestChannel("m1"), rec.channel)
		assert.Equal(t, int64(i+1), rec.event.RequestCount)
	}

	assert.Equal(t, []int64{1, 2, 3}, policy.counts)
}

func TestRequestRestImmediate(t *testing.T) {
	fb := &fakeBroker{}
	in, store := newTestIntake(t, fb, nil)
	ctx := context.Background()

	evt, err := in.RequestRestImmediate(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, broker.EventRestRequired, evt.Event)

	status, err := store.Status(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, status.RestFlag)

	records := fb.records()
	require.Len(t, records, 1)
	assert.Equal(t, broker.RestChannel("m1"), records[0].channel)

	// Counters are untouched in the immediate variant.
	requests, err := store.RestRequests(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), requests.RequestCount)
}

func TestEventTimestampsAreRFC3339(t *testing.T) {
	fb := &fakeBroker{}
	in, _ := newTestIntake(t, fb, nil)

	evt, err := in.TriggerRest(context.Background(), "m1")
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, evt.Timestamp)
	assert.NoError(t, err)
}
