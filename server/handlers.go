package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jphacks/os-2521/blink"
	"github.com/jphacks/os-2521/hub"
	"github.com/jphacks/os-2521/intake"
	"github.com/jphacks/os-2521/meeting"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// RequestMode selects how POST /meetings/{id}/rest-request behaves. The two
// variants are mutually exclusive by design.
type RequestMode string

const (
	ModeAggregate RequestMode = "aggregate"
	ModeImmediate RequestMode = "immediate"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Store       meeting.Store
	Intake      *intake.Intake
	Hub         *hub.Hub
	Detector    blink.Detector
	RequestMode RequestMode
	Log         *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func meetingID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// StartMeeting handles POST /meetings/{id}/start.
func (h *Handlers) StartMeeting(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "meeting id is required")
		return
	}
	if err := h.Store.StartMeeting(r.Context(), id, time.Now()); err != nil {
		h.Log.Error("failed to start meeting", "meeting_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start meeting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "started",
		"meeting_id": id,
		"timestamp":  timestamp(),
	})
}

// EndMeeting handles DELETE /meetings/{id}/end.
func (h *Handlers) EndMeeting(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "meeting id is required")
		return
	}
	if err := h.Store.EndMeeting(r.Context(), id); err != nil {
		h.Log.Error("failed to end meeting", "meeting_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to end meeting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ended",
		"meeting_id": id,
		"timestamp":  timestamp(),
	})
}

// TriggerRest handles POST /meetings/{id}/rest.
func (h *Handlers) TriggerRest(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "meeting id is required")
		return
	}
	evt, err := h.Intake.TriggerRest(r.Context(), id)
	if err != nil {
		h.Log.Error("failed to trigger rest", "meeting_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to trigger rest")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"meeting_id": id,
		"timestamp":  evt.Timestamp,
	})
}

// RequestRest handles POST /meetings/{id}/rest-request in the configured
// variant.
func (h *Handlers) RequestRest(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "meeting id is required")
		return
	}

	if h.RequestMode == ModeImmediate {
		evt, err := h.Intake.RequestRestImmediate(r.Context(), id)
		if err != nil {
			h.Log.Error("failed to process rest request", "meeting_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to process rest request")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "ok",
			"meeting_id": id,
			"timestamp":  evt.Timestamp,
		})
		return
	}

	evt, err := h.Intake.RequestRestAggregated(r.Context(), id)
	if err != nil {
		h.Log.Error("failed to process rest request", "meeting_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process rest request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"meeting_id":    id,
		"request_count": evt.RequestCount,
		"timestamp":     evt.Timestamp,
	})
}

// RestRequests handles GET /meetings/{id}/rest-requests. Read-path store
// failures degrade to an empty window rather than an error response.
func (h *Handlers) RestRequests(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "meeting id is required")
		return
	}
	requests, err := h.Store.RestRequests(r.Context(), id)
	if err != nil {
		h.Log.Warn("degraded rest-requests read", "meeting_id", id, "error", err)
		requests = meeting.RestRequests{MeetingID: id}
	}
	writeJSON(w, http.StatusOK, requests)
}

// Status handles GET /meetings/{id}/status. A never-started or expired
// meeting reports all-false; read failures degrade the same way.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "meeting id is required")
		return
	}
	status, err := h.Store.Status(r.Context(), id)
	if err != nil {
		h.Log.Warn("degraded status read", "meeting_id", id, "error", err)
		status = meeting.Status{MeetingID: id}
	}
	writeJSON(w, http.StatusOK, status)
}

// PageInfo handles POST /meetings/{id}/page-info: stores the page and
// broadcasts it to the meeting's currently joined connections.
func (h *Handlers) PageInfo(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "meeting id is required")
		return
	}

	var info meeting.PageInfo
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Store.SetPageInfo(r.Context(), id, info); err != nil {
		h.Log.Error("failed to store page info", "meeting_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store page info")
		return
	}

	now := timestamp()
	h.Hub.Broadcast(id, "page_info", map[string]string{
		"meeting_id": id,
		"title":      info.Title,
		"url":        info.URL,
		"timestamp":  now,
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"meeting_id": id,
		"timestamp":  now,
	})
}

// BlinkCheck handles POST /meetings/{id}/blink-check. The detector is a
// stub for the external face-geometry computation.
func (h *Handlers) BlinkCheck(w http.ResponseWriter, r *http.Request) {
	id := meetingID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "meeting id is required")
		return
	}

	var req struct {
		Frame []byte `json:"frame"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"meeting_id": id,
		"blink":      h.Detector.IsBlink(req.Frame),
		"timestamp":  timestamp(),
	})
}

// Health handles GET /health, probing store connectivity.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"redis":  "disconnected",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"redis":  "connected",
	})
}
