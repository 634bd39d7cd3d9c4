// Package control holds the operator's vessel control state and keeps the
// server informed of it through the intent queue.
package control

import (
	"errors"
	"math"
)

var (
	// ErrOffline 未连接时不允许布防，也不接受油门
	ErrOffline = errors.New("SYSTEM_OFFLINE")
	// ErrNotArmed 未布防时油门强制为 0
	ErrNotArmed = errors.New("NOT_ARMED")
)

// State is the operator input. The zero value is disarmed and centred.
type State struct {
	Armed     bool    `json:"armed"`
	Throttle  float64 `json:"throttle"`
	JoystickX float64 `json:"joystick_x"`
	JoystickY float64 `json:"joystick_y"`
}

// Sanitize clamps throttle to 0..100 and the joystick axes to -1..1.
// Non-finite values become 0.
func (s State) Sanitize() State {
	s.Throttle = clamp(s.Throttle, 0, 100)
	s.JoystickX = clamp(s.JoystickX, -1, 1)
	s.JoystickY = clamp(s.JoystickY, -1, 1)
	return s
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// payload 线上的控制意图
type payload struct {
	Type     string `json:"type"`
	EntityID string `json:"entityId,omitempty"`
	State
}
