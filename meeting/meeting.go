// Package meeting owns the key-naming scheme and TTL policy for a
// meeting's ephemeral lifecycle state. A meeting is never created
// explicitly: it exists while any key under its namespace is live.
package meeting

import (
	"context"
	"time"
)

// TTLs for the meeting namespace. Every key expires independently; there is
// no cascading delete.
const (
	ActiveTTL      = 3 * time.Hour
	RestFlagTTL    = time.Hour
	RestRequestTTL = 5 * time.Minute
	PageInfoTTL    = 5 * time.Minute
)

// Status is a point-in-time snapshot of a meeting's lifecycle flags.
// Absent keys read as false/empty; querying a never-started meeting is not
// an error.
type Status struct {
	MeetingID     string `json:"meeting_id"`
	Active        bool   `json:"active"`
	RestFlag      bool   `json:"rest_flag"`
	StartedAt     string `json:"started_at,omitempty"`
	RestStartedAt string `json:"rest_started_at,omitempty"`
}

// RestRequests reports the anonymous-request aggregation window.
type RestRequests struct {
	MeetingID     string `json:"meeting_id"`
	RequestCount  int64  `json:"request_count"`
	LastRequestAt string `json:"last_request_at,omitempty"`
}

// PageInfo is the last-known page reported for a meeting.
type PageInfo struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Store defines the meeting state manager.
type Store interface {
	// StartMeeting marks the meeting active. Idempotent: a second call
	// refreshes the TTL and timestamp.
	StartMeeting(ctx context.Context, meetingID string, now time.Time) error
	// EndMeeting clears the lifecycle flags. Request counters are left to
	// expire on their own schedule.
	EndMeeting(ctx context.Context, meetingID string) error
	// Status returns the current snapshot.
	Status(ctx context.Context, meetingID string) (Status, error)
	// SetRestFlag marks the meeting as resting.
	SetRestFlag(ctx context.Context, meetingID string, now time.Time) error
	// IncrementRestRequests bumps the anonymous-request counter and returns
	// the post-increment value. The 5-minute expiry is armed only on the
	// 0->1 transition: a fixed tumbling window, never a sliding one.
	IncrementRestRequests(ctx context.Context, meetingID string, now time.Time) (int64, error)
	// RestRequests reads the current counter and last-request timestamp.
	RestRequests(ctx context.Context, meetingID string) (RestRequests, error)
	// SetPageInfo stores the last-known page for the meeting.
	SetPageInfo(ctx context.Context, meetingID string, info PageInfo) error
	// PageInfo returns the stored page, or nil when absent.
	PageInfo(ctx context.Context, meetingID string) (*PageInfo, error)
	// Ping probes store connectivity.
	Ping(ctx context.Context) error
}
