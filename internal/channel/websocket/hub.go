// Package websocket pushes records to connected users over websockets.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marybot/internal/channel"
	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

var ErrQueueFull = errors.New("websocket: client queue full")

const (
	defaultQueueSize = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

// Client is one live connection. A user may hold several.
type Client struct {
	UserID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *Client) close() { c.once.Do(func() { close(c.done) }) }

// Hub tracks connections by user id and implements channel.Channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	queueSize int
	upgrader  websocket.Upgrader
	log       logx.Logger
}

func NewHub(queueSize int, log logx.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		clients:   map[string]map[*Client]struct{}{},
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With(logx.Component("channel.websocket")),
	}
}

func (h *Hub) Name() string { return channel.NameWebsocket }

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set := h.clients[c.UserID]
	if set == nil {
		set = map[*Client]struct{}{}
		h.clients[c.UserID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set := h.clients[c.UserID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Connected reports the number of live connections.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// NewClient creates an unregistered client with the hub's queue size.
func (h *Hub) NewClient(userID string) *Client {
	return &Client{
		UserID: userID,
		send:   make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
	}
}

// Deliver queues the record on every connection of the user. It fails
// when the user has no connection or every queue is full.
func (h *Hub) Deliver(_ context.Context, rec notification.Record) (channel.Receipt, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return channel.Receipt{}, err
	}

	h.mu.RLock()
	set := h.clients[rec.UserID]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return channel.Receipt{}, channel.ErrNotConnected
	}
	queued := 0
	for _, c := range targets {
		select {
		case c.send <- payload:
			queued++
		default:
		}
	}
	if queued == 0 {
		return channel.Receipt{}, ErrQueueFull
	}
	return channel.Receipt{Channel: channel.NameWebsocket, At: time.Now()}, nil
}

// ServeHTTP upgrades GET /ws?user_id=... and pumps queued records to
// the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", logx.Err(err))
		return
	}

	c := h.NewClient(userID)
	h.Register(c)
	h.log.Debug("client connected", logx.String("user_id", userID))

	go h.readLoop(conn, c)
	h.writeLoop(conn, c)

	h.Unregister(c)
	_ = conn.Close()
	h.log.Debug("client disconnected", logx.String("user_id", userID))
}

// readLoop only consumes control frames; inbound messages are ignored.
func (h *Hub) readLoop(conn *websocket.Conn, c *Client) {
	defer c.close()
	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *Client) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("write failed", logx.String("user_id", c.UserID), logx.Err(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = map[string]map[*Client]struct{}{}
	h.mu.Unlock()
	for _, set := range all {
		for c := range set {
			c.close()
		}
	}
}
