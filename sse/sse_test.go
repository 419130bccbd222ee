package sse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jphacks/os-2521/broker"
)

type fakeSubscription struct {
	ch     chan broker.Message
	mu     sync.Mutex
	closed bool
}

func (s *fakeSubscription) Events() <-chan broker.Message { return s.ch }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeBroker struct {
	sub      *fakeSubscription
	subErr   error
	channels []string
}

func (f *fakeBroker) Publish(context.Context, string, broker.Event) error { return nil }

func (f *fakeBroker) Subscribe(_ context.Context, channels ...string) (broker.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.channels = channels
	return f.sub, nil
}

func (f *fakeBroker) PSubscribe(context.Context, ...string) (broker.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) Type() string { return "fake" }
func (f *fakeBroker) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMissingMeetingID(t *testing.T) {
	h := NewHandler(&fakeBroker{}, time.Second, testLogger())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/sse/events", nil))

	assert.Equal(t, 400, w.Code)
}

func TestSubscribeFailure(t *testing.T) {
	h := NewHandler(&fakeBroker{subErr: errors.New("broker down")}, time.Second, testLogger())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/sse/events?meeting_id=m1", nil))

	assert.Equal(t, 500, w.Code)
}

func TestStreamLifecycle(t *testing.T) {
	sub := &fakeSubscription{ch: make(chan broker.Message, 4)}
	fb := &fakeBroker{sub: sub}
	// A short heartbeat so the test observes several without waiting 30s.
	h := NewHandler(fb, 50*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/sse/events?meeting_id=m1", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(w, req)
		close(done)
	}()

	// Let the connected event and at least one heartbeat go out, then
	// deliver a broker message.
	time.Sleep(120 * time.Millisecond)
	sub.ch <- broker.Message{
		Channel: broker.RestChannel("m1"),
		Payload: []byte(`{"event":"rest_required","meeting_id":"m1"}`),
	}
	time.Sleep(120 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit on cancellation")
	}

	assert.Equal(t, []string{
		broker.RestChannel("m1"),
		broker.RestRequestChannel("m1"),
	}, fb.channels)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event: connected\n")
	assert.Contains(t, body, `"meeting_id":"m1"`)
	assert.Contains(t, body, "event: message\n")
	assert.Contains(t, body, `data: {"event":"rest_required","meeting_id":"m1"}`)
	assert.GreaterOrEqual(t, strings.Count(body, "event: heartbeat\n"), 1)

	// The connected event precedes everything else.
	require.True(t, strings.HasPrefix(body, "event: connected\n"))

	// The dedicated subscription is released on teardown.
	assert.True(t, sub.isClosed())
}

func TestStreamEndsWhenSubscriptionLost(t *testing.T) {
	sub := &fakeSubscription{ch: make(chan broker.Message)}
	fb := &fakeBroker{sub: sub}
	h := NewHandler(fb, time.Minute, testLogger())

	req := httptest.NewRequest("GET", "/sse/events?meeting_id=m1", nil)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	sub.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit when the subscription was lost")
	}
}
