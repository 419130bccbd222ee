package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	apiURL      = "http://localhost:8000"
	wsURL       = "ws://localhost:8000/ws"
	testTimeout = 15 * time.Second
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// TestE2ERestFlow exercises a running instance: a socket client joins a
// meeting, the rest trigger fires over HTTP, and the event arrives on the
// socket. Requires the server and Redis on their default local ports.
func TestE2ERestFlow(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	meetingID := fmt.Sprintf("it-%d", time.Now().UnixNano())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Failed to connect to WebSocket server")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(testTimeout))

	var connected envelope
	require.NoError(t, conn.ReadJSON(&connected))
	require.Equal(t, "connected", connected.Event)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "join_meeting",
		"data":  map[string]string{"meeting_id": meetingID},
	}))

	// Start the meeting and trigger the rest signal.
	resp, err := http.Post(apiURL+"/meetings/"+meetingID+"/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The join is processed asynchronously by the read loop; give it a
	// moment to land before the trigger fires.
	time.Sleep(200 * time.Millisecond)

	resp, err = http.Post(apiURL+"/meetings/"+meetingID+"/rest", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pushed envelope
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, "rest_required", pushed.Event)

	var data map[string]any
	require.NoError(t, json.Unmarshal(pushed.Data, &data))
	assert.Equal(t, meetingID, data["meeting_id"])

	// The flag is visible on the status endpoint too.
	resp, err = http.Get(apiURL + "/meetings/" + meetingID + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, true, status["active"])
	assert.Equal(t, true, status["rest_flag"])
}
