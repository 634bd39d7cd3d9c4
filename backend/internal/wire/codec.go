package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame 单帧不合法：调用方丢弃该帧并继续，不是通道级错误
var ErrMalformedFrame = errors.New("MALFORMED_FRAME")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// Decode parses one inbound frame. It never panics on arbitrary input and
// returns an error wrapping ErrMalformedFrame on any schema violation.
func Decode(b []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(b, &raw); err != nil {
		return Frame{}, malformed("invalid json: %v", err)
	}

	switch raw.Kind {
	case KindEvent:
		if raw.EntityID == "" {
			return Frame{}, malformed("event without entityId")
		}
		if raw.Sequence == 0 && raw.ServerTime <= 0 {
			return Frame{}, malformed("event %s without sequence or serverTimestamp", raw.EntityID)
		}
		switch raw.Type {
		case EventUpdate, EventSnapshot, EventRemove:
		case "":
			raw.Type = EventUpdate
		default:
			return Frame{}, malformed("unknown event type %q", raw.Type)
		}
		return Frame{Kind: KindEvent, Event: &Event{
			EntityID:       raw.EntityID,
			Type:           raw.Type,
			Sequence:       raw.Sequence,
			ServerTime:     raw.ServerTime,
			ClientIntentID: raw.ClientIntentID,
			Fields:         raw.Fields,
		}}, nil

	case KindAck:
		if raw.ClientIntentID == "" {
			return Frame{}, malformed("ack without clientIntentId")
		}
		status := raw.Status
		switch status {
		case AckOK, AckRejected:
		case "":
			status = AckOK
		default:
			return Frame{}, malformed("unknown ack status %q", status)
		}
		return Frame{Kind: KindAck, Ack: &Ack{
			ClientIntentID: raw.ClientIntentID,
			Status:         status,
			Reason:         raw.Reason,
			Retry:          raw.Retry,
		}}, nil

	case KindControl:
		switch raw.Op {
		case OpAuth, OpAuthOK, OpAuthFailed, OpHeartbeat, OpResyncRequest, OpResync:
		default:
			return Frame{}, malformed("unknown control op %q", raw.Op)
		}
		return Frame{Kind: KindControl, Control: &Control{
			Op:        raw.Op,
			Token:     raw.Token,
			EntityIDs: raw.EntityIDs,
			Reason:    raw.Reason,
		}}, nil

	case "":
		return Frame{}, malformed("missing kind")
	default:
		return Frame{}, malformed("unknown kind %q", raw.Kind)
	}
}

// DecodeIntent parses an outbound intent frame. Servers and test peers use it.
func DecodeIntent(b []byte) (IntentEnvelope, error) {
	var raw rawFrame
	if err := json.Unmarshal(b, &raw); err != nil {
		return IntentEnvelope{}, malformed("invalid json: %v", err)
	}
	if raw.Kind != KindIntent {
		return IntentEnvelope{}, malformed("expected intent, got %q", raw.Kind)
	}
	if raw.ClientIntentID == "" {
		return IntentEnvelope{}, malformed("intent without clientIntentId")
	}
	return IntentEnvelope{
		ClientIntentID: raw.ClientIntentID,
		Payload:        raw.Payload,
		Attempt:        raw.Attempt,
		SentAt:         raw.SentAt,
	}, nil
}

// PeekKind returns the kind field without validating the rest of the frame.
func PeekKind(b []byte) (Kind, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return "", malformed("invalid json: %v", err)
	}
	return head.Kind, nil
}

func EncodeEvent(e Event) ([]byte, error) {
	if e.EntityID == "" {
		return nil, malformed("event without entityId")
	}
	if e.Type == "" {
		e.Type = EventUpdate
	}
	return json.Marshal(rawFrame{
		Kind:           KindEvent,
		EntityID:       e.EntityID,
		Type:           e.Type,
		Sequence:       e.Sequence,
		ServerTime:     e.ServerTime,
		ClientIntentID: e.ClientIntentID,
		Fields:         e.Fields,
	})
}

func EncodeAck(a Ack) ([]byte, error) {
	if a.ClientIntentID == "" {
		return nil, malformed("ack without clientIntentId")
	}
	if a.Status == "" {
		a.Status = AckOK
	}
	return json.Marshal(rawFrame{
		Kind:           KindAck,
		ClientIntentID: a.ClientIntentID,
		Status:         a.Status,
		Reason:         a.Reason,
		Retry:          a.Retry,
	})
}

func EncodeControl(c Control) ([]byte, error) {
	if c.Op == "" {
		return nil, malformed("control without op")
	}
	return json.Marshal(rawFrame{
		Kind:      KindControl,
		Op:        c.Op,
		Token:     c.Token,
		EntityIDs: c.EntityIDs,
		Reason:    c.Reason,
	})
}

func EncodeIntent(env IntentEnvelope) ([]byte, error) {
	if env.ClientIntentID == "" {
		return nil, malformed("intent without clientIntentId")
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(rawFrame{
		Kind:           KindIntent,
		ClientIntentID: env.ClientIntentID,
		Payload:        payload,
		Attempt:        env.Attempt,
		SentAt:         env.SentAt,
	})
}
