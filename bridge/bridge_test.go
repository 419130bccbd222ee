package bridge

import (
	"context"
	"encoding/json"
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
	"github.com/jphacks/os-2521/hub"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeConn struct {
	id string
	mu sync.Mutex
	ch chan sentEvent
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, ch: make(chan sentEvent, 16)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) error {
	c.ch <- sentEvent{event: event, payload: payload}
	return nil
}

func (c *fakeConn) receive(t *testing.T) sentEvent {
	t.Helper()
	select {
	case evt := <-c.ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return sentEvent{}
	}
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case evt := <-c.ch:
		t.Fatalf("unexpected event %q", evt.event)
	case <-time.After(100 * time.Millisecond):
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupBridge(t *testing.T) (*redis.Client, *broker.RedisBroker, *hub.Hub, context.CancelFunc, chan error) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b := broker.NewRedisBroker(client)
	h := hub.New(nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	br := New(b, h, testLogger())
	go func() { done <- br.Run(ctx) }()

	// Run subscribes asynchronously; give the pattern subscription a moment
	// to land before tests publish.
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumPat(ctx).Result()
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	return client, b, h, cancel, done
}

func TestBridgeForwardsRestEvents(t *testing.T) {
	_, b, h, cancel, done := setupBridge(t)
	defer cancel()

	conn := newFakeConn("a")
	h.Join(context.Background(), conn, "m1")

	evt := broker.Event{
		Event:     broker.EventRestRequired,
		MeetingID: "m1",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   "time to take a rest",
	}
	require.NoError(t, b.Publish(context.Background(), broker.RestChannel("m1"), evt))

	got := conn.receive(t)
	assert.Equal(t, "rest_required", got.event)

	raw, ok := got.payload.(json.RawMessage)
	require.True(t, ok)
	var decoded broker.Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, evt, decoded)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not shut down on cancellation")
	}
}

func TestBridgeRoutesByChannelSuffix(t *testing.T) {
	_, b, h, cancel, done := setupBridge(t)
	defer func() {
		cancel()
		<-done
	}()

	conn := newFakeConn("a")
	h.Join(context.Background(), conn, "m1")

	require.NoError(t, b.Publish(context.Background(), broker.RestRequestChannel("m1"), broker.Event{
		Event:        broker.EventRestRequestUpdated,
		MeetingID:    "m1",
		RequestCount: 2,
	}))

	got := conn.receive(t)
	assert.Equal(t, "rest_request_updated", got.event)
}

func TestBridgeScopesBroadcastToMeeting(t *testing.T) {
	_, b, h, cancel, done := setupBridge(t)
	defer func() {
		cancel()
		<-done
	}()

	joined := newFakeConn("a")
	bystander := newFakeConn("b")
	h.Join(context.Background(), joined, "m1")
	h.Join(context.Background(), bystander, "m2")

	require.NoError(t, b.Publish(context.Background(), broker.RestChannel("m1"), broker.Event{
		Event:     broker.EventRestRequired,
		MeetingID: "m1",
	}))

	joined.receive(t)
	bystander.expectNothing(t)
}

func TestBridgeSkipsMalformedPayloads(t *testing.T) {
	client, b, h, cancel, done := setupBridge(t)
	defer func() {
		cancel()
		<-done
	}()

	conn := newFakeConn("a")
	h.Join(context.Background(), conn, "m1")

	// A malformed message must not terminate the subscription loop.
	require.NoError(t, client.Publish(context.Background(), broker.RestChannel("m1"), "{not json").Err())

	require.NoError(t, b.Publish(context.Background(), broker.RestChannel("m1"), broker.Event{
		Event:     broker.EventRestRequired,
		MeetingID: "m1",
	}))

	got := conn.receive(t)
	assert.Equal(t, "rest_required", got.event)
}
