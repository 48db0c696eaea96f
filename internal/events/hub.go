// Package events wires the Web viewer to the change feed of the DICOM
// store. A poller watches for new instances and invalidates the cached
// descriptor of their parent series; a websocket hub pushes the same
// notifications to connected viewer clients so they can refresh.
package events

import (
	"net/http"
	"sync"
	"time"

	"dicomview/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Notification is one message pushed to viewer clients.
type Notification struct {
	Event  string `json:"event"`
	Series string `json:"series,omitempty"`
}

// Hub maintains the set of connected viewer clients and broadcasts
// series-update notifications to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	broadcast chan Notification
	shutdown  chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Notification
}

// NewHub builds an empty hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*client]bool),
		broadcast: make(chan Notification, 64),
		shutdown:  make(chan struct{}),
	}
}

// Run dispatches notifications until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case n := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- n:
				default:
					// Slow client, drop the notification
				}
			}
			h.mu.RUnlock()

		case <-h.shutdown:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Stop disconnects every client and terminates Run.
func (h *Hub) Stop() {
	close(h.shutdown)
}

// Broadcast queues a notification for every connected client.
func (h *Hub) Broadcast(n Notification) {
	select {
	case h.broadcast <- n:
	default:
		logging.Component("events").Warn("Event broadcast queue is full, dropping notification")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The viewer is served from the same host as the plugin
		return true
	},
}

// HandleWebSocket upgrades a viewer client connection and registers it
// with the hub.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Component("events").Warn("Cannot upgrade websocket connection", zap.Error(err))
		return
	}

	cl := &client{conn: conn, send: make(chan Notification, 16)}

	h.mu.Lock()
	h.clients[cl] = true
	h.mu.Unlock()

	go cl.writePump(h)
	go cl.readPump(h)
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

// readPump drains (and ignores) client messages so pings and closes are
// processed.
func (cl *client) readPump(h *Hub) {
	defer func() {
		h.unregister(cl)
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(512)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (cl *client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case n, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(n); err != nil {
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
