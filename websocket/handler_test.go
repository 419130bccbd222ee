package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jphacks/os-2521/config"
	"github.com/jphacks/os-2521/hub"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWSConfig() *config.WebSocketConfig {
	return &config.WebSocketConfig{
		MessageSizeLimit: 65536,
		PingInterval:     30,
		PongTimeout:      60,
		WriteTimeout:     5,
		MaxWriteRetries:  3,
	}
}

type wireEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dialTestHandler(t *testing.T, h *hub.Hub) *websocket.Conn {
	t.Helper()
	handler := NewHandler(h, nil, &config.AuthConfig{Enabled: false}, testWSConfig(), testLogger())
	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wireEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestConnectAck(t *testing.T) {
	h := hub.New(nil, testLogger())
	conn := dialTestHandler(t, h)

	env := readEnvelope(t, conn)
	assert.Equal(t, "connected", env.Event)

	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.NotEmpty(t, data["connection_id"])
}

func TestJoinThenBroadcast(t *testing.T) {
	h := hub.New(nil, testLogger())
	conn := dialTestHandler(t, h)
	readEnvelope(t, conn) // connected ack

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "join_meeting",
		"data":  map[string]string{"meeting_id": "m1"},
	}))

	require.Eventually(t, func() bool {
		return h.GroupSize("m1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.Broadcast("m1", "rest_required", map[string]string{"meeting_id": "m1"})

	env := readEnvelope(t, conn)
	assert.Equal(t, "rest_required", env.Event)

	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "m1", data["meeting_id"])
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := hub.New(nil, testLogger())
	conn := dialTestHandler(t, h)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "join_meeting",
		"data":  map[string]string{"meeting_id": "m1"},
	}))
	require.Eventually(t, func() bool {
		return h.GroupSize("m1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "leave_meeting",
		"data":  map[string]string{"meeting_id": "m1"},
	}))
	require.Eventually(t, func() bool {
		return h.GroupSize("m1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	h.Broadcast("m1", "rest_required", nil)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env wireEnvelope
	err := conn.ReadJSON(&env)
	assert.Error(t, err, "no event should reach a departed member")
}

func TestUnknownEventIsIgnored(t *testing.T) {
	h := hub.New(nil, testLogger())
	conn := dialTestHandler(t, h)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "mystery",
		"data":  map[string]string{},
	}))

	// The connection stays up: a join after the unknown event still works.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "join_meeting",
		"data":  map[string]string{"meeting_id": "m1"},
	}))
	require.Eventually(t, func() bool {
		return h.GroupSize("m1") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectRemovesFromGroup(t *testing.T) {
	h := hub.New(nil, testLogger())
	conn := dialTestHandler(t, h)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "join_meeting",
		"data":  map[string]string{"meeting_id": "m1"},
	}))
	require.Eventually(t, func() bool {
		return h.GroupSize("m1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return h.GroupSize("m1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
