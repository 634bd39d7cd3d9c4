package ws

import (
	"syncClient/backend/internal/realtime"
	"syncClient/backend/internal/state"
)

// UI -> client
type ClientMessage struct {
	Type string `json:"type"`
	// watch 的目标实体，空串表示全部
	EntityID string `json:"entityId,omitempty"`
}

// client -> UI
type ServerMessage struct {
	Type     string           `json:"type"`
	EntityID string           `json:"entityId,omitempty"`
	Sequence uint64           `json:"sequence,omitempty"`
	Fields   map[string]any   `json:"fields,omitempty"`
	Removed  bool             `json:"removed,omitempty"`
	Stale    bool             `json:"stale,omitempty"`
	IntentID string           `json:"clientIntentId,omitempty"`
	Status   *realtime.Status `json:"status,omitempty"`
	Content  string           `json:"content,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string { return m.Type }

func entityMessage(s state.Snapshot) ServerMessage {
	return ServerMessage{
		Type:     "entity",
		EntityID: s.EntityID,
		Sequence: s.LastAppliedSequence,
		Fields:   s.Fields,
		Removed:  s.Removed,
		Stale:    s.Stale,
		IntentID: s.LastIntentID,
	}
}

func statusMessage(st realtime.Status) ServerMessage {
	return ServerMessage{Type: "status", Status: &st, Content: st.Text}
}
