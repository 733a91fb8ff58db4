// Package notify implements C13: the per-process WebSocket fan-out bridge.
// One Manager per process owns every live client connection, subscribed
// to the Redis Pub/Sub channel the worker (C10) and webhook receiver
// (C12) publish application updates on, and fans each message out either
// to every connection or only to the ones that subscribed to that
// application (§4.11).
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/r3e-network/creditflow/internal/bus"
	"github.com/r3e-network/creditflow/internal/logger"
)

const broadcastChannel = "websocket:broadcast"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// updateEnvelope is the subset of the worker's/webhook's publish payload
// the bridge needs to route a message (§6).
type updateEnvelope struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	Broadcast bool `json:"broadcast"`
}

// subscribeCommand is what a client sends to scope itself to one
// application's updates (§4.11).
type subscribeCommand struct {
	Action        string `json:"action"`
	ApplicationID string `json:"application_id"`
}

// connection wraps one live client socket and its outbound buffer.
type connection struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

type subscribeRequest struct {
	connID        string
	applicationID string
}

// Manager owns every live connection for one process and the
// application_id -> {conn_id} subscription index (§4.11).
type Manager struct {
	conns map[string]*connection
	subs  map[string]map[string]struct{}

	register   chan *connection
	unregister chan *connection
	subscribe  chan subscribeRequest
	inbound    chan []byte

	mu  sync.RWMutex // guards ClientCount's read-only snapshot only
	log *logger.Logger
}

// New constructs a Manager. Call Run in its own goroutine before ServeWS
// starts accepting connections.
func New(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewFromEnv("notify")
	}
	return &Manager{
		conns:      make(map[string]*connection),
		subs:       make(map[string]map[string]struct{}),
		register:   make(chan *connection),
		unregister: make(chan *connection),
		subscribe:  make(chan subscribeRequest),
		inbound:    make(chan []byte, 256),
		log:        log,
	}
}

// Run is the hub's single serialized event loop: every mutation to conns/
// subs happens here, so no other method needs a write lock.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for _, c := range m.conns {
				close(c.send)
			}
			m.conns = map[string]*connection{}
			m.subs = map[string]map[string]struct{}{}
			m.mu.Unlock()
			return

		case c := <-m.register:
			m.mu.Lock()
			m.conns[c.id] = c
			m.mu.Unlock()

		case c := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.conns[c.id]; ok {
				delete(m.conns, c.id)
				close(c.send)
			}
			for appID, set := range m.subs {
				delete(set, c.id)
				if len(set) == 0 {
					delete(m.subs, appID)
				}
			}
			m.mu.Unlock()

		case req := <-m.subscribe:
			m.mu.Lock()
			set, ok := m.subs[req.applicationID]
			if !ok {
				set = make(map[string]struct{})
				m.subs[req.applicationID] = set
			}
			set[req.connID] = struct{}{}
			m.mu.Unlock()

		case raw := <-m.inbound:
			m.deliver(raw)
		}
	}
}

// deliver routes one update message to its target connections, dropping
// (and cleaning up) any connection whose send buffer is already full
// rather than blocking the hub loop on a slow client.
func (m *Manager) deliver(raw []byte) {
	var env updateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.log.WithError(err).Warn("notify: discarding malformed update message")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []*connection
	if env.Broadcast {
		for _, c := range m.conns {
			targets = append(targets, c)
		}
	} else {
		for connID := range m.subs[env.Data.ID] {
			if c, ok := m.conns[connID]; ok {
				targets = append(targets, c)
			}
		}
	}

	var dead []*connection
	for _, c := range targets {
		select {
		case c.send <- raw:
		default:
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		delete(m.conns, c.id)
		for appID, set := range m.subs {
			delete(set, c.id)
			if len(set) == 0 {
				delete(m.subs, appID)
			}
		}
		close(c.send)
	}
}

// ClientCount reports the number of live connections, for health/metrics.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// ServeWS upgrades the request to a WebSocket and registers the new
// connection with the hub.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &connection{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBufferSize)}
	m.register <- c

	go m.writePump(c)
	go m.readPump(c)
}

func (m *Manager) writePump(c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump's only purpose inbound is to catch {action: "subscribe",
// application_id} commands; everything else is ignored (§4.11). A read
// error or close ends the connection's lifetime.
func (m *Manager) readPump(c *connection) {
	defer func() {
		m.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd subscribeCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		if cmd.Action == "subscribe" && cmd.ApplicationID != "" {
			m.subscribe <- subscribeRequest{connID: c.id, applicationID: cmd.ApplicationID}
		}
	}
}

// RunSubscriber bridges internal/bus's Redis Pub/Sub channel into the
// hub's inbound queue, reconnecting with exponential backoff (1s -> 30s)
// whenever the subscription drops, until ctx is cancelled. After
// maxReconnectAttempts consecutive failed reconnects it logs at fatal
// level, which exits the process.
func (m *Manager) RunSubscriber(ctx context.Context, b *bus.Bus) {
	const maxReconnectAttempts = 10

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := m.consumeOnce(ctx, b)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A live subscription dropped: start a fresh count and backoff.
			err = errConnectionLost
			attempts = 0
			bo.Reset()
		}
		attempts++
		if attempts > maxReconnectAttempts {
			m.log.WithError(err).WithField("attempts", maxReconnectAttempts).Fatal("notify: pubsub reconnect attempts exhausted")
			return
		}

		wait := bo.NextBackOff()
		m.log.WithError(err).WithField("retry_in", wait.String()).Warn("notify: pubsub subscription dropped, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// errConnectionLost marks a subscription that ended without ctx being
// cancelled — the Pub/Sub channel closed, meaning the connection dropped.
var errConnectionLost = errors.New("notify: pubsub channel closed")

// consumeOnce subscribes once and forwards messages until the
// subscription's channel closes (connection lost) or ctx is cancelled.
func (m *Manager) consumeOnce(ctx context.Context, b *bus.Bus) error {
	pubsub := b.Subscribe(ctx, broadcastChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			select {
			case m.inbound <- []byte(msg.Payload):
			default:
				m.log.Warn("notify: inbound queue full, dropping update message")
			}
		}
	}
}
