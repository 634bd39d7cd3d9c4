package wire

import "encoding/json"

// 帧类型，由 kind 字段区分
type Kind string

const (
	KindEvent   Kind = "event"
	KindAck     Kind = "ack"
	KindControl Kind = "control"
	// 只出站：客户端提交的意图
	KindIntent Kind = "intent"
)

type EventType string

const (
	EventUpdate   EventType = "update"   // 合并字段
	EventSnapshot EventType = "snapshot" // 服务端权威全量
	EventRemove   EventType = "remove"
)

type AckStatus string

const (
	AckOK       AckStatus = "ok"
	AckRejected AckStatus = "rejected"
)

type ControlOp string

const (
	OpAuth          ControlOp = "auth"
	OpAuthOK        ControlOp = "auth_ok"
	OpAuthFailed    ControlOp = "auth_failed"
	OpHeartbeat     ControlOp = "heartbeat"
	OpResyncRequest ControlOp = "resync_request"
	OpResync        ControlOp = "resync"
)

// Event is a server-originated change to one entity.
type Event struct {
	EntityID string    `json:"entityId"`
	Type     EventType `json:"type"`
	// Sequence is monotonic per entity. Zero means the event is ordered by ServerTime.
	Sequence   uint64 `json:"sequence,omitempty"`
	ServerTime int64  `json:"serverTimestamp,omitempty"` // unix ms
	// Set when the event is the echo of a client intent.
	ClientIntentID string         `json:"clientIntentId,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Recency returns the ordering marker of the event and whether it is a
// contiguous per-entity sequence (true) or a server timestamp (false).
func (e Event) Recency() (uint64, bool) {
	if e.Sequence > 0 {
		return e.Sequence, true
	}
	if e.ServerTime > 0 {
		return uint64(e.ServerTime), false
	}
	return 0, false
}

type Ack struct {
	ClientIntentID string    `json:"clientIntentId"`
	Status         AckStatus `json:"status,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Retry          bool      `json:"retry,omitempty"`
}

// Rejected reports whether the server refused the intent.
func (a Ack) Rejected() bool { return a.Status == AckRejected }

type Control struct {
	Op        ControlOp `json:"op"`
	Token     string    `json:"token,omitempty"`
	EntityIDs []string  `json:"entityIds,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// IntentEnvelope carries one outbound intent. ClientIntentID is stable across retries.
type IntentEnvelope struct {
	ClientIntentID string          `json:"clientIntentId"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt,omitempty"`
	SentAt         int64           `json:"sentAt,omitempty"`
}

// Frame is a decoded inbound message. Exactly one of Event, Ack, Control is set.
type Frame struct {
	Kind    Kind
	Event   *Event
	Ack     *Ack
	Control *Control
}

// rawFrame 线上的扁平格式，所有字段同级
type rawFrame struct {
	Kind Kind `json:"kind"`

	EntityID       string         `json:"entityId,omitempty"`
	Type           EventType      `json:"type,omitempty"`
	Sequence       uint64         `json:"sequence,omitempty"`
	ServerTime     int64          `json:"serverTimestamp,omitempty"`
	ClientIntentID string         `json:"clientIntentId,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`

	Status AckStatus `json:"status,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Retry  bool      `json:"retry,omitempty"`

	Op        ControlOp `json:"op,omitempty"`
	Token     string    `json:"token,omitempty"`
	EntityIDs []string  `json:"entityIds,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	SentAt  int64           `json:"sentAt,omitempty"`
}
