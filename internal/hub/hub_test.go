package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/logging"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(logging.Nop(), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project")
		_ = h.Serve(w, r, projectID)
	}))
	t.Cleanup(func() {
		h.CloseAll()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, projectID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?project=" + projectID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func waitSubscribers(t *testing.T, h *Hub, projectID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Subscribers(projectID) == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServeSendsConnectedFrame(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, "p-1")

	frame := readFrame(t, ws)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, "p-1", frame["project_id"])
	waitSubscribers(t, h, "p-1", 1)
}

func TestBroadcastReachesOnlyProjectSubscribers(t *testing.T) {
	h, srv := newTestHub(t)
	a := dial(t, srv, "p-1")
	b := dial(t, srv, "p-2")
	readFrame(t, a)
	readFrame(t, b)
	waitSubscribers(t, h, "p-1", 1)
	waitSubscribers(t, h, "p-2", 1)

	h.Broadcast("p-1", map[string]any{"type": "completed", "task_id": "t-1"})

	frame := readFrame(t, a)
	assert.Equal(t, "completed", frame["type"])
	assert.Equal(t, "t-1", frame["task_id"])

	// The other project's subscriber sees nothing.
	require.NoError(t, b.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := b.ReadMessage()
	require.Error(t, err)
}

func TestMalformedInboundFrameGetsError(t *testing.T) {
	_, srv := newTestHub(t)
	ws := dial(t, srv, "p-1")
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "malformed message", frame["error"])
}

func TestPingGetsPongReply(t *testing.T) {
	_, srv := newTestHub(t)
	ws := dial(t, srv, "p-1")
	readFrame(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))

	frame := readFrame(t, ws)
	assert.Equal(t, "pong", frame["type"])
	assert.NotEmpty(t, frame["timestamp"])
}

func TestSubscribeJoinsAdditionalProject(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, "p-1")
	readFrame(t, ws)
	waitSubscribers(t, h, "p-1", 1)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "project_id": "p-2"}))

	frame := readFrame(t, ws)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, "p-2", frame["project_id"])
	waitSubscribers(t, h, "p-2", 1)

	// The original subscription stays live.
	assert.Equal(t, 1, h.Subscribers("p-1"))

	h.Broadcast("p-2", map[string]any{"type": "started"})
	assert.Equal(t, "started", readFrame(t, ws)["type"])

	h.Broadcast("p-1", map[string]any{"type": "completed"})
	assert.Equal(t, "completed", readFrame(t, ws)["type"])
}

func TestSubscribeTwiceKeepsOneMembership(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, "p-1")
	readFrame(t, ws)
	waitSubscribers(t, h, "p-1", 1)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "project_id": "p-1"}))
	frame := readFrame(t, ws)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, 1, h.Subscribers("p-1"))

	// One broadcast, one frame.
	h.Broadcast("p-1", map[string]any{"type": "started", "task_id": "t-1"})
	assert.Equal(t, "started", readFrame(t, ws)["type"])
}

func TestDisconnectLeavesEveryProject(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, "p-1")
	readFrame(t, ws)
	waitSubscribers(t, h, "p-1", 1)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "project_id": "p-2"}))
	readFrame(t, ws)
	waitSubscribers(t, h, "p-2", 1)

	ws.Close()
	waitSubscribers(t, h, "p-1", 0)
	waitSubscribers(t, h, "p-2", 0)
}

func TestWithHeartbeatDerivesDeadlines(t *testing.T) {
	h := New(logging.Nop(), nil, WithHeartbeat(9*time.Second))
	assert.Equal(t, 9*time.Second, h.pingPeriod)
	assert.Equal(t, 10*time.Second, h.pongWait)

	// Non-positive intervals keep the default.
	h = New(logging.Nop(), nil, WithHeartbeat(0))
	assert.Equal(t, DefaultHeartbeat, h.pingPeriod)
}

func TestSubscriberRemovedOnDisconnect(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, "p-1")
	readFrame(t, ws)
	waitSubscribers(t, h, "p-1", 1)

	ws.Close()
	waitSubscribers(t, h, "p-1", 0)
}

func TestCloseAllRejectsNewJoins(t *testing.T) {
	h, srv := newTestHub(t)
	ws := dial(t, srv, "p-1")
	readFrame(t, ws)
	waitSubscribers(t, h, "p-1", 1)

	h.CloseAll()
	assert.Zero(t, h.Subscribers("p-1"))

	// A connection arriving after shutdown is upgraded then closed without
	// being registered.
	late := dial(t, srv, "p-1")
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := late.ReadMessage()
	require.Error(t, err)
	assert.Zero(t, h.Subscribers("p-1"))
}
