package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jphacks/os-2521/config"
	"github.com/jphacks/os-2521/hub"
	"github.com/jphacks/os-2521/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHandler processes one client event. The client is passed explicitly;
// there is no ambient session identity.
type eventHandler func(ctx context.Context, c *Client, data json.RawMessage) error

// Handler accepts socket-channel connections and dispatches their events.
type Handler struct {
	hub       *hub.Hub
	validator *JWTValidator
	authCfg   *config.AuthConfig
	wsCfg     *config.WebSocketConfig
	log       *slog.Logger

	dispatch map[string]eventHandler
}

// NewHandler creates a websocket handler with its event dispatch table.
func NewHandler(h *hub.Hub, validator *JWTValidator, authCfg *config.AuthConfig, wsCfg *config.WebSocketConfig, log *slog.Logger) *Handler {
	handler := &Handler{
		hub:       h,
		validator: validator,
		authCfg:   authCfg,
		wsCfg:     wsCfg,
		log:       log,
	}
	handler.dispatch = map[string]eventHandler{
		"join_meeting":  handler.handleJoin,
		"leave_meeting": handler.handleLeave,
	}
	return handler
}

// HandleWebSocket upgrades the request and runs the client's read loop
// until disconnect. On exit the client is removed from its group and its
// connection closed, in that order.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *CustomClaims

	if h.authCfg.Enabled {
		if h.validator == nil {
			h.log.Error("auth enabled but validator not initialized")
			http.Error(w, "internal server configuration error", http.StatusInternalServerError)
			return
		}

		tokenString := r.URL.Query().Get(h.authCfg.TokenQueryParam)
		if tokenString == "" {
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			http.Error(w, "missing authentication token", http.StatusUnauthorized)
			return
		}

		var err error
		claims, err = h.validator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			h.log.Warn("rejected websocket handshake", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "invalid authentication token", http.StatusUnauthorized)
			return
		}
		metrics.AuthSuccess.Inc()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String(), conn, h.wsCfg, claims, h.log)
	conn.SetReadLimit(int64(h.wsCfg.MessageSizeLimit))
	client.StartPing()

	metrics.SocketConnectionsActive.Inc()
	metrics.SocketConnectionsTotal.Inc()
	defer metrics.SocketConnectionsActive.Dec()

	defer func() {
		h.hub.Remove(client)
		client.Close(websocket.CloseNormalClosure, "client disconnected")
	}()

	if err := client.Send("connected", map[string]string{"connection_id": client.ID()}); err != nil {
		h.log.Warn("failed to send connect ack", "conn_id", client.ID(), "error", err)
		return
	}

	h.log.Info("socket client connected", "conn_id", client.ID(), "remote", r.RemoteAddr)
	defer h.log.Info("socket client disconnected", "conn_id", client.ID())

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				h.log.Warn("read error", "conn_id", client.ID(), "error", err)
			}
			return
		}

		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &env); err != nil {
			h.log.Warn("dropping malformed client message", "conn_id", client.ID(), "error", err)
			continue
		}

		handle, ok := h.dispatch[env.Event]
		if !ok {
			h.log.Warn("dropping unknown client event", "conn_id", client.ID(), "event", env.Event)
			continue
		}
		if err := handle(r.Context(), client, env.Data); err != nil {
			h.log.Warn("event handler failed", "conn_id", client.ID(), "event", env.Event, "error", err)
		}
	}
}

type meetingRef struct {
	MeetingID string `json:"meeting_id"`
}

func (h *Handler) handleJoin(ctx context.Context, c *Client, data json.RawMessage) error {
	var ref meetingRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	if ref.MeetingID == "" {
		return errors.New("join_meeting requires meeting_id")
	}

	if h.authCfg.Enabled && !c.CanAccess("join", ref.MeetingID) {
		if err := c.Send("error", map[string]string{
			"error":      "forbidden",
			"meeting_id": ref.MeetingID,
		}); err != nil {
			h.log.Warn("failed to send forbidden notice", "conn_id", c.ID(), "error", err)
		}
		return errors.New("join denied by token scopes")
	}

	h.hub.Join(ctx, c, ref.MeetingID)
	return nil
}

func (h *Handler) handleLeave(_ context.Context, c *Client, data json.RawMessage) error {
	var ref meetingRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	if ref.MeetingID == "" {
		return errors.New("leave_meeting requires meeting_id")
	}
	h.hub.Leave(c, ref.MeetingID)
	return nil
}
