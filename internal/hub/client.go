package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Client is the per-socket session: the connection, the authenticated
// user, and the socket-level join set. Event handlers on one socket run
// serially on the read pump, so only the send queue needs locking: the
// bus sink and the typing janitor enqueue from other goroutines.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan interface{}
	socketID string
	user     models.User
	joined   map[uuid.UUID]bool

	sendMu     sync.Mutex
	sendClosed bool
}

// NewClient creates the session for an authenticated connection.
func NewClient(h *Hub, conn *websocket.Conn, user models.User) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan interface{}, 256),
		socketID: uuid.NewString(),
		user:     user,
		joined:   make(map[uuid.UUID]bool),
	}
}

// Start registers the client, runs the connect lifecycle and both pumps.
// It returns when the connection is gone and the disconnect lifecycle has
// completed.
func (c *Client) Start(ctx context.Context) {
	c.hub.register(c)
	c.hub.handleConnect(c)

	go c.writePump()
	c.readPump()

	c.hub.handleDisconnect(c)
}

// readPump pumps frames from the websocket into the dispatcher. There is
// at most one reader per connection; dispatch is synchronous so events on
// a socket are serialized.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug(context.Background(), "socket %s read error: %v", c.socketID, err)
			}
			return
		}

		ev, err := protocol.DecodeClientEvent(data)
		if err != nil {
			c.enqueue(protocol.NewError("malformed event", ""))
			continue
		}
		c.hub.dispatch(c, ev)
	}
}

// writePump pumps queued events to the websocket and keeps the connection
// alive with pings. One writer per connection.
func (c *Client) writePump() {
	defer c.conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(payload); err != nil {
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

// enqueue hands an event to the write pump without blocking; a full queue
// drops the event, slow consumers never stall fan-out. Fan-out goroutines
// may hold a bucket snapshot from before the client unregistered, so
// deliveries after closeSend are dropped rather than sent on a closed
// channel.
func (c *Client) enqueue(payload interface{}) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// closeSend shuts the send queue exactly once. Only the hub calls this,
// from unregister.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}
