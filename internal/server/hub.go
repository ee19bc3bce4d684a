package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	simevents "github.com/gxo-labs/simloop/pkg/simloop/v1/events"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans orchestrator events out to websocket clients. Clients that fall
// behind are dropped rather than slowing the others down.
type Hub struct {
	log        simlog.Logger
	register   chan *client
	unregister chan *client
	done       chan struct{}
	clients    map[*client]struct{}
	count      atomic.Int64
}

// NewHub creates a hub. Run must be called to serve clients.
func NewHub(log simlog.Logger) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// Run broadcasts events until ctx is done, then disconnects every client.
// A closed events channel stops broadcasting but keeps clients connected.
func (h *Hub) Run(ctx context.Context, events <-chan simevents.Event) {
	defer func() {
		for c := range h.clients {
			h.drop(c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
		case c := <-h.unregister:
			h.drop(c)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				h.log.Warnf("Failed to encode event %s for websocket clients: %v", ev.Type, err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.log.Warnf("Dropping slow websocket client %s", c.conn.RemoteAddr())
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
}

// Handler upgrades the request and streams events until the client leaves.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			h.log.Debugf("Websocket upgrade failed: %v", err)
			return
		}
		c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
		select {
		case h.register <- c:
		case <-h.done:
			_ = conn.Close()
			return
		}
		h.log.Debugf("Websocket client %s connected", conn.RemoteAddr())

		go h.writePump(c)
		h.readPump(c)
	}
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
