package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Manager, *httptest.Server, func()) {
	t.Helper()
	m := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(m.ServeWS))
	return m, srv, func() {
		cancel()
		srv.Close()
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func waitForClientCount(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for client count %d, got %d", want, m.ClientCount())
}

func TestBroadcastDeliversToAllConnections(t *testing.T) {
	m, srv, cleanup := newTestServer(t)
	defer cleanup()

	a := dial(t, srv)
	defer a.Close()
	b := dial(t, srv)
	defer b.Close()

	waitForClientCount(t, m, 2)

	msg, err := json.Marshal(map[string]interface{}{
		"type":      "application_update",
		"data":      map[string]interface{}{"id": "app-1", "status": "APPROVED"},
		"broadcast": true,
	})
	require.NoError(t, err)
	m.inbound <- msg

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, got, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, string(msg), string(got))
	}
}

func TestSubscribedDeliversOnlyToMatchingConnection(t *testing.T) {
	m, srv, cleanup := newTestServer(t)
	defer cleanup()

	subscribed := dial(t, srv)
	defer subscribed.Close()
	bystander := dial(t, srv)
	defer bystander.Close()

	waitForClientCount(t, m, 2)

	sub, err := json.Marshal(subscribeCommand{Action: "subscribe", ApplicationID: "app-42"})
	require.NoError(t, err)
	require.NoError(t, subscribed.WriteMessage(websocket.TextMessage, sub))

	// Give the hub's serialized loop time to record the subscription
	// before the update is pushed.
	time.Sleep(50 * time.Millisecond)

	msg, err := json.Marshal(map[string]interface{}{
		"type":      "application_update",
		"data":      map[string]interface{}{"id": "app-42", "status": "REJECTED"},
		"broadcast": false,
	})
	require.NoError(t, err)
	m.inbound <- msg

	subscribed.SetReadDeadline(time.Now().Add(time.Second))
	_, got, err := subscribed.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, string(msg), string(got))

	bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = bystander.ReadMessage()
	assert.Error(t, err, "a connection that never subscribed to app-42 must not receive its update")
}

func TestDeliverIgnoresMalformedMessage(t *testing.T) {
	m := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.inbound <- []byte("not json")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, m.ClientCount())
}

func TestClientCountDropsAfterDisconnect(t *testing.T) {
	m, srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, srv)
	waitForClientCount(t, m, 1)

	conn.Close()
	waitForClientCount(t, m, 0)
}
