// Package hub is the session multiplexer: it tracks which live connection
// belongs to which meeting group and fans a message out to every member.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jphacks/os-2521/meeting"
	"github.com/jphacks/os-2521/metrics"
)

// Conn is a live connection that can receive named events. Implementations
// are owned by the transport goroutine that created them; the hub never
// closes a connection.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// PageInfoSource supplies the last-known page for a meeting, delivered to a
// connection when it joins. meeting.Store satisfies it.
type PageInfoSource interface {
	PageInfo(ctx context.Context, meetingID string) (*meeting.PageInfo, error)
}

// Hub maps meeting ids to connection groups. It is the single piece of
// shared mutable state in the process; all membership access is guarded so
// a broadcast observes a consistent snapshot.
type Hub struct {
	mu         sync.RWMutex
	groups     map[string]map[string]Conn
	membership map[string]string // connection id -> meeting id

	pageInfo PageInfoSource
	log      *slog.Logger
}

// New creates an empty hub. pageInfo may be nil to disable join-time page
// delivery.
func New(pageInfo PageInfoSource, log *slog.Logger) *Hub {
	return &Hub{
		groups:     make(map[string]map[string]Conn),
		membership: make(map[string]string),
		pageInfo:   pageInfo,
		log:        log,
	}
}

// Join adds the connection to the meeting's group. A connection belongs to
// at most one group: joining replaces any prior membership. On join the
// meeting's last-known page info (if any) is pushed to the joining
// connection only.
func (h *Hub) Join(ctx context.Context, c Conn, meetingID string) {
	h.mu.Lock()
	if prev, ok := h.membership[c.ID()]; ok && prev != meetingID {
		h.removeLocked(c, prev)
	}
	group, ok := h.groups[meetingID]
	if !ok {
		group = make(map[string]Conn)
		h.groups[meetingID] = group
	}
	group[c.ID()] = c
	h.membership[c.ID()] = meetingID
	h.mu.Unlock()

	h.log.Info("connection joined meeting", "conn_id", c.ID(), "meeting_id", meetingID)

	if h.pageInfo == nil {
		return
	}
	info, err := h.pageInfo.PageInfo(ctx, meetingID)
	if err != nil {
		h.log.Warn("failed to load page info on join", "meeting_id", meetingID, "error", err)
		return
	}
	if info == nil {
		return
	}
	if err := c.Send("page_info", map[string]string{
		"meeting_id": meetingID,
		"title":      info.Title,
		"url":        info.URL,
	}); err != nil {
		h.log.Warn("failed to push page info on join", "conn_id", c.ID(), "error", err)
	}
}

// Leave removes the connection from the meeting's group; no-op when the
// connection is not a member.
func (h *Hub) Leave(c Conn, meetingID string) {
	h.mu.Lock()
	h.removeLocked(c, meetingID)
	h.mu.Unlock()
	h.log.Info("connection left meeting", "conn_id", c.ID(), "meeting_id", meetingID)
}

// Remove clears whatever membership the connection holds. Called by the
// transport on disconnect so no group retains a dead connection.
func (h *Hub) Remove(c Conn) {
	h.mu.Lock()
	if meetingID, ok := h.membership[c.ID()]; ok {
		h.removeLocked(c, meetingID)
	}
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c Conn, meetingID string) {
	if group, ok := h.groups[meetingID]; ok {
		delete(group, c.ID())
		if len(group) == 0 {
			delete(h.groups, meetingID)
		}
	}
	if h.membership[c.ID()] == meetingID {
		delete(h.membership, c.ID())
	}
}

// Broadcast delivers the payload to every connection currently in the
// meeting's group. Membership is snapshotted under the lock; sends happen
// outside it. A connection that errors is logged and skipped, never
// aborting delivery to the rest of the group.
func (h *Hub) Broadcast(meetingID, event string, payload any) {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.groups[meetingID]))
	for _, c := range h.groups[meetingID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(event, payload); err != nil {
			h.log.Warn("broadcast delivery failed", "conn_id", c.ID(), "meeting_id", meetingID, "event", event, "error", err)
			continue
		}
		metrics.MessagesBroadcast.WithLabelValues(event).Inc()
	}
}

// GroupSize reports the current membership count for a meeting.
func (h *Hub) GroupSize(meetingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[meetingID])
}
