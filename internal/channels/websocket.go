package channels

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The broker fronts local adapters only; session auth happens
	// before the upgrade, not via origin checks.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// agentConn is one agent's WebSocket. Two goroutines with clear
// ownership: writePump is the only writer, readPump the only reader.
type agentConn struct {
	agentID string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	hub     *Hub
}

// HandleWebSocket upgrades the request and attaches the connection as
// agentID's push channel. The caller must have validated the session
// before invoking this.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, agentID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "agent", agentID, "error", err)
		return
	}

	c := &agentConn{
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		hub:     h,
	}
	h.attach(agentID, c)

	go c.writePump()
	go c.readPump()
}

// enqueue hands a frame to the write pump without blocking. A full
// buffer means the agent is not keeping up; the frame is refused and
// the caller decides whether to hold it pending.
func (c *agentConn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *agentConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.detach(c.agentID, c)
		c.conn.Close()
	})
}

// writePump owns all writes to the connection: data frames and pings.
func (c *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			// Drain anything queued behind it.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump owns all reads. Inbound frames are ignored except for
// keeping the pong deadline fresh; agents speak to the broker through
// its RPC surface, the channel is downstream-only.
func (c *agentConn) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "agent", c.agentID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
