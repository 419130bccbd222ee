// decisionpoint is an example of the external escalation consumer: it
// watches rest_request_updated events and calls the explicit rest trigger
// once a meeting's request count reaches a threshold. The core service
// deliberately leaves this policy outside itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jphacks/os-2521/broker"
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// escalationTracker remembers which meetings were escalated recently so a
// burst of requests past the threshold triggers once per window. Stale
// entries are evicted on every consult, keeping the map bounded by the set
// of meetings escalated within the last window.
type escalationTracker struct {
	window  time.Duration
	entries map[string]time.Time
}

func newEscalationTracker(window time.Duration) *escalationTracker {
	return &escalationTracker{window: window, entries: make(map[string]time.Time)}
}

// allowed reports whether the meeting is outside its escalation window.
func (e *escalationTracker) allowed(meetingID string, now time.Time) bool {
	for id, t := range e.entries {
		if now.Sub(t) >= e.window {
			delete(e.entries, id)
		}
	}
	_, recent := e.entries[meetingID]
	return !recent
}

// record marks the meeting as escalated, called only after the trigger
// actually fired.
func (e *escalationTracker) record(meetingID string, now time.Time) {
	e.entries[meetingID] = now
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "decision-point")

	redisAddr := getEnv("REDIS_ADDRESS", "localhost:6379")
	apiBase := getEnv("API_BASE_URL", "http://localhost:8000")
	threshold, err := strconv.ParseInt(getEnv("REST_REQUEST_THRESHOLD", "3"), 10, 64)
	if err != nil || threshold < 1 {
		log.Error("invalid REST_REQUEST_THRESHOLD")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	pubsub := rdb.PSubscribe(ctx, broker.RestRequestPattern)
	defer pubsub.Close()

	log.Info("decision point started", "threshold", threshold, "redis", redisAddr)

	client := &http.Client{Timeout: 5 * time.Second}

	escalated := newEscalationTracker(5 * time.Minute)

	for {
		select {
		case <-ctx.Done():
			log.Info("decision point shutting down")
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}

			var evt broker.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Warn("skipping undecodable event", "error", err)
				continue
			}
			if evt.RequestCount < threshold {
				continue
			}
			if !escalated.allowed(evt.MeetingID, time.Now()) {
				continue
			}

			url := fmt.Sprintf("%s/meetings/%s/rest", apiBase, evt.MeetingID)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				log.Error("failed to build trigger request", "error", err)
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				log.Error("failed to trigger rest", "meeting_id", evt.MeetingID, "error", err)
				continue
			}
			resp.Body.Close()

			escalated.record(evt.MeetingID, time.Now())
			log.Info("escalated rest request to trigger",
				"meeting_id", evt.MeetingID,
				"request_count", evt.RequestCount,
				"status", resp.StatusCode,
			)
		}
	}
}
