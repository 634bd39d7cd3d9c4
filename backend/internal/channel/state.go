package channel

import (
	"fmt"
	"math"
	"time"
)

type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Authenticating
	Connected
	Reconnecting
	// Closed 终态，Close 之后不再重连
	Closed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// State is a point-in-time view of the connection. Attempt and BackoffUntil
// are only meaningful while Reconnecting.
type State struct {
	Phase        Phase     `json:"phase"`
	Attempt      int       `json:"attempt,omitempty"`
	BackoffUntil time.Time `json:"backoffUntil,omitempty"`
	Since        time.Time `json:"since"`
	// 最近一次断线原因
	LastError string `json:"lastError,omitempty"`
}

// Text renders the status line shown next to the online/offline badge.
func (s State) Text(now time.Time) string {
	switch s.Phase {
	case Connecting:
		return "Connecting..."
	case Authenticating:
		return "Authenticating..."
	case Connected:
		return "Connected"
	case Reconnecting:
		secs := int(math.Ceil(s.BackoffUntil.Sub(now).Seconds()))
		if secs < 0 {
			secs = 0
		}
		return fmt.Sprintf("Reconnecting in %ds...", secs)
	case Closed:
		return "Closed"
	}
	return "Disconnected"
}
