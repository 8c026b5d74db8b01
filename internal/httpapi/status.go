package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusEvent is one operational event pushed to /ws/status subscribers.
// The engine publishes a stream's ingest starting, stopping or failing;
// flush, retention and integrity results are not published. Purely
// additive observability — it never
// drives GET /recordings or GET /view.mp4 behavior.
type StatusEvent struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	StreamID  int32     `json:"streamId,omitempty"`
	Message   string    `json:"message"`
}

type statusClient struct {
	conn *websocket.Conn
	send chan []byte
}

// StatusHub fans operational events out to every connected /ws/status
// client. Grounded on the hub/client broadcast pattern used for the
// browser websocket feed elsewhere in the example corpus: a mutex-guarded
// client set, per-client buffered send channel, non-blocking broadcast
// so one slow reader never stalls the publisher.
type StatusHub struct {
	mu       sync.RWMutex
	clients  map[*statusClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewStatusHub constructs an empty hub. CORS is enforced by the outer
// chi middleware chain, so CheckOrigin always allows the upgrade here.
func NewStatusHub(logger *slog.Logger) *StatusHub {
	return &StatusHub{
		clients: make(map[*statusClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Publish broadcasts an event to every connected client, dropping it for
// any client whose send buffer is full rather than blocking.
func (h *StatusHub) Publish(ev StatusEvent) {
	ev.Time = ev.Time.UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *StatusHub) register(c *statusClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *StatusHub) unregister(c *statusClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *StatusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws/status: upgrade failed", "error", err)
		return
	}
	c := &statusClient{conn: conn, send: make(chan []byte, 16)}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client input (this feed is one-way) and exists only
// to notice disconnects and drive the unregister/close sequence.
func (h *StatusHub) readPump(c *statusClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StatusHub) writePump(c *statusClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
