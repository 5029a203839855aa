// Package hub fans printer status updates out to WebSocket clients. Each
// client holds a per-printer subscription set; the realtime monitor feeds
// updates through BroadcastPrinterData.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/elisaul77/kybercore/fleet"
)

const (
	// pingInterval is how often idle clients are pinged and the sweeper
	// runs.
	pingInterval = 30 * time.Second

	// sendTimeout is the per-send write deadline; slow consumers are
	// dropped rather than allowed to block the fan-out.
	sendTimeout = 2 * time.Second

	// subscribeAllTimeout bounds the printer-list fetch behind
	// subscribe_all and get_initial_data.
	subscribeAllTimeout = 8 * time.Second

	// sendQueueSize buffers outbound messages per client.
	sendQueueSize = 32

	maxMessageBytes = 8 << 10
)

// PrinterLister supplies the current fleet for subscribe_all and
// initial-data requests. *fleet.Service satisfies it.
type PrinterLister interface {
	List(ctx context.Context) ([]fleet.Printer, error)
}

// Message is the JSON envelope on the wire, discriminated by Type.
type Message struct {
	Type       string   `json:"type"`
	ClientID   string   `json:"client_id,omitempty"`
	PrinterID  string   `json:"printer_id,omitempty"`
	PrinterIDs []string `json:"printer_ids,omitempty"`
	Data       any      `json:"data,omitempty"`
	Message    string   `json:"message,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

type client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	lastPong     time.Time
	sendClosed   bool
}

// trySend enqueues without blocking. False means the queue is full or the
// client is already gone.
func (c *client) trySend(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.lastPong = c.lastActivity
	c.mu.Unlock()
}

func (c *client) liveness() (activity, pong time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity, c.lastPong
}

// Hub owns all active connections and subscription sets.
type Hub struct {
	lister   PrinterLister
	upgrader websocket.Upgrader

	mu            sync.RWMutex
	clients       map[*client]struct{}
	subscriptions map[string]map[*client]struct{}
	closed        bool

	stop chan struct{}
	done chan struct{}
}

// New creates a hub and starts its liveness sweeper. lister may be nil;
// subscribe_all and get_initial_data then report an error to the client.
func New(lister PrinterLister) *Hub {
	h := &Hub{
		lister: lister,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:       make(map[*client]struct{}),
		subscriptions: make(map[string]map[*client]struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go h.sweeper()
	return h
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HUB] upgrade failed: %v", err)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		connectedAt: time.Now(),
	}
	c.touch()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	log.Printf("[HUB] client %s connected", c.id)
	go h.writePump(c)

	h.sendTo(c, Message{
		Type:      "connection_established",
		ClientID:  c.id,
		Timestamp: isoNow(),
	})

	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c, true)

	c.conn.SetReadLimit(maxMessageBytes)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendTo(c, errorMessage("malformed message: not a JSON object"))
			continue
		}
		h.dispatch(c, msg)
	}
}

func (h *Hub) dispatch(c *client, msg Message) {
	switch msg.Type {
	case "subscribe_printer":
		h.subscribe(c, msg.PrinterID)
		h.sendTo(c, Message{Type: "subscription_confirmed", PrinterID: msg.PrinterID, Timestamp: isoNow()})

	case "unsubscribe_printer":
		h.unsubscribe(c, msg.PrinterID)
		h.sendTo(c, Message{Type: "unsubscription_confirmed", PrinterID: msg.PrinterID, Timestamp: isoNow()})

	case "subscribe_all":
		printers, err := h.listPrinters()
		if err != nil {
			h.sendTo(c, errorMessage("cannot list printers: "+err.Error()))
			return
		}
		ids := make([]string, 0, len(printers))
		for _, p := range printers {
			h.subscribe(c, p.ID)
			ids = append(ids, p.ID)
		}
		h.sendTo(c, Message{Type: "subscription_all_confirmed", PrinterIDs: ids, Timestamp: isoNow()})

	case "ping":
		h.sendTo(c, Message{Type: "pong", Timestamp: isoNow()})

	case "get_initial_data":
		printers, err := h.listPrinters()
		if err != nil {
			h.sendTo(c, errorMessage("cannot list printers: "+err.Error()))
			return
		}
		h.sendTo(c, Message{Type: "initial_data", Data: printers, Timestamp: isoNow()})

	case "get_status":
		h.sendTo(c, Message{Type: "status_response", Data: h.status(), Timestamp: isoNow()})

	default:
		h.sendTo(c, errorMessage("unknown message type: "+msg.Type))
	}
}

func (h *Hub) listPrinters() ([]fleet.Printer, error) {
	if h.lister == nil {
		return nil, context.DeadlineExceeded
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeAllTimeout)
	defer cancel()
	return h.lister.List(ctx)
}

func (h *Hub) status() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make(map[string]int, len(h.subscriptions))
	for id, set := range h.subscriptions {
		subs[id] = len(set)
	}
	return map[string]any{
		"clients":       len(h.clients),
		"subscriptions": subs,
	}
}

// subscribe is idempotent.
func (h *Hub) subscribe(c *client, printerID string) {
	if printerID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscriptions[printerID]
	if !ok {
		set = make(map[*client]struct{})
		h.subscriptions[printerID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unsubscribe(c *client, printerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subscriptions[printerID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subscriptions, printerID)
		}
	}
}

// BroadcastPrinterData sends a printer_update to every subscriber of the
// printer. Clients whose queues are full are dropped.
func (h *Hub) BroadcastPrinterData(printerID string, payload map[string]any) {
	msg := Message{
		Type:      "printer_update",
		PrinterID: printerID,
		Data:      payload,
		Timestamp: isoNow(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[HUB] Warning: cannot encode printer update: %v", err)
		return
	}

	h.mu.RLock()
	set := h.subscriptions[printerID]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(raw) {
			log.Printf("[HUB] dropping slow client %s", c.id)
			h.remove(c, true)
		}
	}
}

func (h *Hub) sendTo(c *client, msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.trySend(raw) {
		h.remove(c, true)
	}
}

// writePump is the only goroutine allowed to write to the socket. It
// drains the send queue, pings idle clients, and emits the close frame
// when the client is removed.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.remove(c, false)
				return
			}
		case <-ticker.C:
			activity, _ := c.liveness()
			if time.Since(activity) < pingInterval {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c, false)
				return
			}
		}
	}
}

// remove unregisters the client from every map and closes its send
// queue, which makes writePump emit the close frame and drop the socket.
// Safe to call more than once. forceClose additionally closes the socket
// right away to unblock a stuck peer.
func (h *Hub) remove(c *client, forceClose bool) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	for id, set := range h.subscriptions {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subscriptions, id)
		}
	}
	h.mu.Unlock()

	if present {
		c.closeSend()
		if forceClose {
			_ = c.conn.Close()
		}
		log.Printf("[HUB] client %s disconnected", c.id)
	}
}

// sweeper pings idle clients and drops the unresponsive.
func (h *Hub) sweeper() {
	defer close(h.done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		_, pong := c.liveness()
		if now.Sub(pong) > 2*pingInterval {
			log.Printf("[HUB] client %s unresponsive, removing", c.id)
			h.remove(c, true)
		}
	}
}

// Shutdown stops the sweeper, closes every connection with a close frame,
// and clears all maps.
func (h *Hub) Shutdown() {
	close(h.stop)
	<-h.done

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.closed = true
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c, false)
	}
	log.Printf("[HUB] shut down")
}

func errorMessage(detail string) Message {
	return Message{Type: "error", Message: detail, Timestamp: isoNow()}
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
