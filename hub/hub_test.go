package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elisaul77/kybercore/fleet"
)

type staticLister struct {
	printers []fleet.Printer
}

func (l *staticLister) List(ctx context.Context) ([]fleet.Printer, error) {
	return l.printers, nil
}

func newTestHub(t *testing.T, lister PrinterLister) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(lister)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// ---------------------------------------------------------------------------

func TestConnectionEstablished(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)

	msg := readMessage(t, conn)
	assert.Equal(t, "connection_established", msg.Type)
	assert.NotEmpty(t, msg.ClientID)
	assert.NotEmpty(t, msg.Timestamp)

	assert.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn) // connection_established

	writeMessage(t, conn, Message{Type: "subscribe_printer", PrinterID: "voron-1"})
	msg := readMessage(t, conn)
	assert.Equal(t, "subscription_confirmed", msg.Type)
	assert.Equal(t, "voron-1", msg.PrinterID)

	h.BroadcastPrinterData("voron-1", map[string]any{"status": "printing"})
	update := readMessage(t, conn)
	assert.Equal(t, "printer_update", update.Type)
	assert.Equal(t, "voron-1", update.PrinterID)
	data, ok := update.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "printing", data["status"])
}

func TestBroadcastOnlyReachesSubscribers(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "subscribe_printer", PrinterID: "a"})
	readMessage(t, conn)

	h.BroadcastPrinterData("b", map[string]any{"status": "idle"})
	h.BroadcastPrinterData("a", map[string]any{"status": "paused"})

	// Only the subscription for "a" produces a frame.
	msg := readMessage(t, conn)
	assert.Equal(t, "a", msg.PrinterID)
}

func TestBroadcastsArriveInOrder(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "subscribe_printer", PrinterID: "voron-1"})
	readMessage(t, conn)

	const updates = 20
	for i := 0; i < updates; i++ {
		h.BroadcastPrinterData("voron-1", map[string]any{"seq": i})
	}

	for i := 0; i < updates; i++ {
		msg := readMessage(t, conn)
		require.Equal(t, "printer_update", msg.Type)
		data, ok := msg.Data.(map[string]any)
		require.True(t, ok)
		assert.InDelta(t, i, data["seq"], 1e-9, "update %d delivered out of order", i)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	for i := 0; i < 2; i++ {
		writeMessage(t, conn, Message{Type: "unsubscribe_printer", PrinterID: "ghost"})
		msg := readMessage(t, conn)
		assert.Equal(t, "unsubscription_confirmed", msg.Type)
	}
}

func TestSubscribeAll(t *testing.T) {
	lister := &staticLister{printers: []fleet.Printer{
		{ID: "a", Status: fleet.StatusIdle},
		{ID: "b", Status: fleet.StatusPrinting},
	}}
	h, srv := newTestHub(t, lister)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "subscribe_all"})
	msg := readMessage(t, conn)
	assert.Equal(t, "subscription_all_confirmed", msg.Type)
	assert.ElementsMatch(t, []string{"a", "b"}, msg.PrinterIDs)

	h.BroadcastPrinterData("b", map[string]any{"status": "printing"})
	update := readMessage(t, conn)
	assert.Equal(t, "printer_update", update.Type)
}

func TestGetInitialData(t *testing.T) {
	lister := &staticLister{printers: []fleet.Printer{{ID: "a", Name: "Voron"}}}
	h, srv := newTestHub(t, lister)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "get_initial_data"})
	msg := readMessage(t, conn)
	assert.Equal(t, "initial_data", msg.Type)
	printers, ok := msg.Data.([]any)
	require.True(t, ok)
	assert.Len(t, printers, 1)
}

func TestPingPong(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "ping"})
	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type)
}

func TestGetStatus(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "subscribe_printer", PrinterID: "a"})
	readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "get_status"})
	msg := readMessage(t, conn)
	assert.Equal(t, "status_response", msg.Type)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 1, data["clients"], 1e-9)
}

func TestUnknownMessageType(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "make_coffee"})
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Message, "make_coffee")
}

func TestMalformedMessage(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
}

func TestDisconnectCleansSubscriptions(t *testing.T) {
	h, srv := newTestHub(t, nil)
	defer h.Shutdown()
	conn := dial(t, srv)
	readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "subscribe_printer", PrinterID: "a"})
	readMessage(t, conn)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 10*time.Millisecond)

	// Broadcasting after the disconnect must not panic or leak.
	h.BroadcastPrinterData("a", map[string]any{"status": "idle"})
}

func TestShutdownClosesClients(t *testing.T) {
	h, srv := newTestHub(t, nil)
	conn := dial(t, srv)
	readMessage(t, conn)

	h.Shutdown()
	assert.Equal(t, 0, h.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway) || err != nil)
}
