package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	mu sync.Mutex
	// 当前所在房间
	entityID string

	send chan OutboundMessage
	done chan struct{}
	once sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub) *Conn {
	return &Conn{ws: ws, hub: hub, send: make(chan OutboundMessage, 256), done: make(chan struct{})}
}

// Enqueue never blocks. When the queue is full the message is dropped; the
// next change of the same entity carries the full state anyway.
func (c *Conn) Enqueue(msg OutboundMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entityID
}

func (c *Conn) watch(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	if entityID == c.entityID {
		return
	}
	// 先离开旧房间
	c.hub.Leave(c.entityID, c)
	c.entityID = entityID
	c.hub.Join(entityID, c)
}

func (c *Conn) sendEntities() {
	room := c.room()
	if room == "" {
		for _, s := range c.hub.src.Entities() {
			c.Enqueue(entityMessage(s))
		}
		return
	}
	if s, ok := c.hub.src.Get(room); ok {
		c.Enqueue(entityMessage(s))
	}
}

func (c *Conn) readLoop() {
	defer c.stop()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Printf("ui feed read error (room=%q): %v", c.room(), err)
			}
			return
		}
		switch msg.Type {
		case "heartbeat":
			c.Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
		case "watch":
			c.watch(msg.EntityID)
			c.Enqueue(ServerMessage{Type: "watch", EntityID: msg.EntityID})
			c.sendEntities()
		case "snapshot":
			c.sendEntities()
		case "status":
			c.Enqueue(statusMessage(c.hub.src.Status()))
		default:
			c.Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.stop()
				return
			}
		}
	}
}

func (c *Conn) stop() {
	c.once.Do(func() {
		c.mu.Lock()
		c.hub.Leave(c.entityID, c)
		close(c.done)
		c.mu.Unlock()
		_ = c.ws.Close()
	})
}
