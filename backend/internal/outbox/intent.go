package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrIntentFailed = errors.New("INTENT_FAILED")
	ErrQueueFull    = errors.New("OUTBOX_FULL")
	ErrClosed       = errors.New("OUTBOX_CLOSED")
	ErrEmptyPayload = errors.New("EMPTY_PAYLOAD")
)

type Status int

const (
	Pending Status = iota
	Sent
	Acked
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Acked:
		return "acked"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Intent is a client action waiting for the server to acknowledge it.
type Intent struct {
	ID            string          `json:"clientIntentId"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	Status        Status          `json:"status"`
	SubmittedAt   time.Time       `json:"submittedAt"`
	LastSentAt    time.Time       `json:"lastSentAt,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitempty"`

	done chan Outcome
}

// Outcome is delivered exactly once per intent, on its ticket and to every
// OnOutcome observer.
type Outcome struct {
	ID       string `json:"clientIntentId"`
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// IntentFailedError carries why an intent was given up.
type IntentFailedError struct {
	ID       string
	Attempts int
	Reason   string
}

func (e *IntentFailedError) Error() string {
	return fmt.Sprintf("intent %s failed after %d attempts: %s", e.ID, e.Attempts, e.Reason)
}

func (e *IntentFailedError) Unwrap() error { return ErrIntentFailed }

type Ticket struct {
	ID   string
	Done <-chan Outcome
}

// Wait blocks until the intent is acked or failed.
func (t Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o := <-t.Done:
		return o, o.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
