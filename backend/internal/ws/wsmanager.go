// Package ws pushes entity changes and connection status to the map UI over a
// local websocket.
package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 只接受本机来源（UI 跑在本地 web view 里）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
		"file://",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h *Hub
}

func NewManager(h *Hub) *Manager {
	return &Manager{h: h}
}

// Connect upgrades the request and serves the connection until it closes.
// A new connection receives welcome, the current status and every entity.
func (m *Manager) Connect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h)
	m.h.Join("", wsConn)

	// 先启动写循环，确保后续入队的消息能及时发出
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: "welcome", Content: "map feed connected"})
	wsConn.Enqueue(statusMessage(m.h.src.Status()))
	wsConn.sendEntities()

	// 读循环阻塞至连接关闭
	wsConn.readLoop()
}
