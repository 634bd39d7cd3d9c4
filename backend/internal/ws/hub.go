package ws

import (
	"context"
	"log"
	"sync"

	"syncClient/backend/internal/realtime"
	"syncClient/backend/internal/state"
)

// Source is the reader side of realtime.Client.
type Source interface {
	Subscribe(entityID string) *state.Subscription
	Entities() []state.Snapshot
	Get(entityID string) (state.Snapshot, bool)
	Status() realtime.Status
}

type Hub struct {
	src    Source
	logger *log.Logger
	// 构造时就订阅，Run 启动前的变更也不会丢
	sub *state.Subscription
	// 读写锁保护 rooms；加入/离开/广播都先加锁
	mu sync.RWMutex
	// entityID -> set of connections，"" 房间收所有实体
	rooms map[string]map[*Conn]struct{}
}

func NewHub(src Source, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		src:    src,
		logger: logger,
		sub:    src.Subscribe(""),
		rooms:  make(map[string]map[*Conn]struct{}),
	}
}

// Join 将连接加入指定实体房间
func (h *Hub) Join(entityID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[entityID] == nil {
		h.rooms[entityID] = make(map[*Conn]struct{})
	}
	h.rooms[entityID][c] = struct{}{}
}

// Leave 将连接从指定实体房间移除
func (h *Hub) Leave(entityID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[entityID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, entityID)
		}
	}
}

// Len returns the number of connected UI clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Conn]struct{})
	for _, conns := range h.rooms {
		for c := range conns {
			seen[c] = struct{}{}
		}
	}
	return len(seen)
}

func (h *Hub) members(entityIDs ...string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Conn
	for _, id := range entityIDs {
		for c := range h.rooms[id] {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) BroadcastEntity(s state.Snapshot) {
	msg := entityMessage(s)
	for _, c := range h.members("", s.EntityID) {
		c.Enqueue(msg)
	}
}

// BroadcastStatus goes to every connection regardless of room.
func (h *Hub) BroadcastStatus(st realtime.Status) {
	h.mu.RLock()
	seen := make(map[*Conn]struct{})
	for _, conns := range h.rooms {
		for c := range conns {
			seen[c] = struct{}{}
		}
	}
	h.mu.RUnlock()
	msg := statusMessage(st)
	for c := range seen {
		c.Enqueue(msg)
	}
}

// Run forwards every store change since NewHub to the rooms until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer h.sub.Close()
	for change := range h.sub.Changes(ctx) {
		h.BroadcastEntity(change.Snapshot)
	}
}
