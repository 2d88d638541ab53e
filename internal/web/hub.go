package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/pm-ju/anya-web-extension/internal/engine"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
	"github.com/pm-ju/anya-web-extension/internal/logging"
	"github.com/pm-ju/anya-web-extension/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 64

	// MsgBusy is sent when an utterance arrives while the turn queue is full
	MsgBusy = "busy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // the browser extension connects from arbitrary pages
	},
}

// TurnRunner executes one utterance for a session
type TurnRunner interface {
	RunTurn(ctx context.Context, sess *session.Session, audio []byte, sink interfaces.EventSink) engine.TurnResult
}

// Hub owns every live connection and its turn worker
type Hub struct {
	sessions       *session.Manager
	runner         TurnRunner
	queueSize      int
	minAudioBytes  int
	maxMessageSize int64

	clients map[string]*Client
	mu      sync.RWMutex
	workers sync.WaitGroup

	turnsRun     atomic.Int64
	turnsRunning atomic.Int32
	turnsDropped atomic.Int64

	logger *slog.Logger
}

// NewHub creates a hub that runs turns with runner. queueSize bounds the
// number of utterances waiting per connection; binary frames shorter than
// minAudioBytes are dropped without a reply.
func NewHub(sessions *session.Manager, runner TurnRunner, queueSize, minAudioBytes int, maxMessageSize int64) *Hub {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Hub{
		sessions:       sessions,
		runner:         runner,
		queueSize:      queueSize,
		minAudioBytes:  minAudioBytes,
		maxMessageSize: maxMessageSize,
		clients:        make(map[string]*Client),
		logger:         logging.Component("hub"),
	}
}

// ServeWS upgrades the request and serves the connection until it closes
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	sess, err := h.sessions.Open(connID)
	if err != nil {
		h.logger.Error("failed to open session", "connection_id", connID, "error", err)
		_ = conn.Close()
		return
	}

	client := &Client{
		ID:      connID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		turns:   make(chan []byte, h.queueSize),
		hub:     h,
		session: sess,
		logger:  h.logger.With("connection_id", connID),
	}

	h.register(client)
	h.workers.Add(1)
	go client.writePump()
	go client.turnWorker()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.ID] = c
	c.logger.Info("client connected", "session_id", c.session.SessionID(), "total", len(h.clients))
}

// unregister runs once the turn worker has settled
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	total := len(h.clients)
	h.mu.Unlock()

	h.sessions.Close(c.ID)
	c.logger.Info("client disconnected", "total", total)
}

// ClientCount returns the number of registered connections
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats are the hub's turn counters
type HubStats struct {
	Clients      int   `json:"clients"`
	TurnsRun     int64 `json:"turns_run"`
	TurnsRunning int32 `json:"turns_running"`
	TurnsDropped int64 `json:"turns_dropped"`
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:      h.ClientCount(),
		TurnsRun:     h.turnsRun.Load(),
		TurnsRunning: h.turnsRunning.Load(),
		TurnsDropped: h.turnsDropped.Load(),
	}
}

// Shutdown closes every connection and waits for in-flight turns to settle
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	for _, c := range h.clients {
		_ = c.conn.Close()
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every turn worker has exited
func (h *Hub) Wait() {
	h.workers.Wait()
}

// Client is one websocket connection. It implements interfaces.EventSink.
type Client struct {
	ID      string
	conn    *websocket.Conn
	send    chan []byte
	turns   chan []byte
	hub     *Hub
	session *session.Session
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Emit queues event for the write pump. Events after close are dropped.
func (c *Client) Emit(event interfaces.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Debug("dropping event for closed client", "type", event.Type)
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping event", "type", event.Type)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed stops further emits and lets the write pump drain and exit
func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump dispatches inbound frames until the connection fails
func (c *Client) readPump() {
	defer func() {
		c.markClosed()
		close(c.turns)
	}()

	if c.hub.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.hub.maxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected close", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg := ParseInbound(messageType, data)
		switch msg.Kind {
		case InboundPageUpdate:
			c.session.SetPageContext(msg.Content)
			c.Emit(interfaces.ContextUpdated())
			c.logger.Debug("page context updated", "chars", len([]rune(msg.Content)))
		case InboundPing:
			c.Emit(interfaces.Pong())
		case InboundAudio:
			if len(msg.Audio) < c.hub.minAudioBytes {
				c.logger.Debug("dropping short audio frame", "bytes", len(msg.Audio))
				continue
			}
			select {
			case c.turns <- msg.Audio:
			default:
				c.hub.turnsDropped.Inc()
				c.logger.Warn("turn queue full, rejecting utterance", "bytes", len(msg.Audio))
				c.Emit(interfaces.ErrorEvent(MsgBusy))
			}
		case InboundUnknown:
			c.logger.Debug("ignoring unrecognized message", "bytes", len(data))
		}
	}
}

// turnWorker runs queued utterances one at a time. A turn in flight when the
// connection drops still completes; turns still queued are discarded.
func (c *Client) turnWorker() {
	defer func() {
		c.hub.unregister(c)
		c.hub.workers.Done()
	}()

	for audio := range c.turns {
		if c.isClosed() {
			continue
		}

		c.hub.turnsRunning.Inc()
		result := c.hub.runner.RunTurn(context.Background(), c.session, audio, c)
		c.hub.turnsRunning.Dec()
		if result.Outcome != engine.TurnSkipped {
			c.hub.turnsRun.Inc()
		}
	}
}

// writePump sends queued events and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
