package control

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncClient/backend/internal/clock"
	"syncClient/backend/internal/outbox"
	"syncClient/backend/internal/state"
)

type pendingSubmitter struct {
	mu       sync.Mutex
	payloads []payload
	dones    []chan outbox.Outcome
}

func (s *pendingSubmitter) Submit(_ context.Context, body json.RawMessage) (outbox.Ticket, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return outbox.Ticket{}, err
	}
	done := make(chan outbox.Outcome, 1)
	s.mu.Lock()
	s.payloads = append(s.payloads, p)
	s.dones = append(s.dones, done)
	s.mu.Unlock()
	return outbox.Ticket{ID: "c", Done: done}, nil
}

func (s *pendingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *pendingSubmitter) last() payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[len(s.payloads)-1]
}

func (s *pendingSubmitter) ack(i int) {
	s.mu.Lock()
	done := s.dones[i]
	s.mu.Unlock()
	done <- outbox.Outcome{Status: outbox.Acked, Attempts: 1}
}

func newTestPublisher(t *testing.T) (*Publisher, *pendingSubmitter, *clock.Fake) {
	t.Helper()
	sub := &pendingSubmitter{}
	fake := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	p := NewPublisher(sub, Options{EntityID: "boat-1", Clock: fake, Logger: log.New(io.Discard, "", 0)})
	t.Cleanup(func() { _ = p.Close() })
	return p, sub, fake
}

func waitCount(t *testing.T, s *pendingSubmitter, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.count() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestState_Sanitize(t *testing.T) {
	s := State{Throttle: 140, JoystickX: math.NaN(), JoystickY: -3}.Sanitize()
	assert.Equal(t, 100.0, s.Throttle)
	assert.Equal(t, 0.0, s.JoystickX)
	assert.Equal(t, -1.0, s.JoystickY)

	s = State{Throttle: math.Inf(1), JoystickX: 0.25}.Sanitize()
	assert.Equal(t, 0.0, s.Throttle)
	assert.Equal(t, 0.25, s.JoystickX)

	b, err := json.Marshal(State{Armed: true, Throttle: 40})
	require.NoError(t, err)
	assert.JSONEq(t, `{"armed":true,"throttle":40,"joystick_x":0,"joystick_y":0}`, string(b))
}

func TestPublisher_ArmRefusedOffline(t *testing.T) {
	p, sub, _ := newTestPublisher(t)

	assert.ErrorIs(t, p.SetArmed(true), ErrOffline)
	assert.False(t, p.State().Armed)

	assert.ErrorIs(t, p.SetThrottle(30), ErrOffline)
	assert.Zero(t, p.State().Throttle)
	assert.NoError(t, p.SetArmed(false))
	p.SetJoystick(0.3, 0)
	assert.Equal(t, 0.3, p.State().JoystickX, "joystick is not gated")

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sub.count(), "nothing is published while offline")
}

func TestPublisher_PeriodicWhileConnected(t *testing.T) {
	p, sub, fake := newTestPublisher(t)

	p.SetConnected(true)
	waitCount(t, sub, 1)
	assert.Equal(t, "control", sub.last().Type)
	assert.Equal(t, "boat-1", sub.last().EntityID)

	sub.ack(0)
	fake.BlockUntil(1)
	fake.Advance(DefaultInterval)
	waitCount(t, sub, 2)

	sub.ack(1)
	fake.BlockUntil(1)
	p.SetConnected(false)
	require.Eventually(t, func() bool { return fake.Waiters() == 0 }, time.Second, 5*time.Millisecond)
	fake.Advance(10 * DefaultInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sub.count())

	sent, failed := p.Stats()
	assert.Equal(t, uint64(2), sent)
	assert.Zero(t, failed)
}

func TestPublisher_CoalescesChangesWhileInFlight(t *testing.T) {
	p, sub, _ := newTestPublisher(t)
	p.SetConnected(true)
	waitCount(t, sub, 1)

	require.NoError(t, p.SetArmed(true))
	require.NoError(t, p.SetThrottle(10))
	require.NoError(t, p.SetThrottle(20))
	p.SetJoystick(0.5, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sub.count(), "one control intent in flight at a time")

	sub.ack(0)
	waitCount(t, sub, 2)
	last := sub.last()
	assert.True(t, last.Armed)
	assert.Equal(t, 20.0, last.Throttle)
	assert.Equal(t, 0.5, last.JoystickX)
	assert.Equal(t, 1.0, last.JoystickY)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sub.count())
}

func TestPublisher_DisconnectDisarms(t *testing.T) {
	p, sub, _ := newTestPublisher(t)
	p.SetConnected(true)
	waitCount(t, sub, 1)
	sub.ack(0)

	_, err := p.Update(func(s *State) {
		s.Armed = true
		s.Throttle = 40
	})
	require.NoError(t, err)
	waitCount(t, sub, 2)
	assert.True(t, sub.last().Armed)
	sub.ack(1)

	p.SetConnected(false)
	assert.Equal(t, State{}, p.State())

	p.SetConnected(true)
	waitCount(t, sub, 3)
	last := sub.last()
	assert.False(t, last.Armed, "reconnect never re-arms")
	assert.Zero(t, last.Throttle)
}

func TestPublisher_ThrottleRequiresArmed(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	p.SetConnected(true)

	assert.ErrorIs(t, p.SetThrottle(80), ErrNotArmed)
	assert.Zero(t, p.State().Throttle)

	st, err := p.Update(func(s *State) {
		s.Throttle = 60
		s.JoystickX = -0.5
	})
	assert.ErrorIs(t, err, ErrNotArmed)
	assert.Zero(t, st.Throttle)
	assert.Equal(t, -0.5, st.JoystickX)

	require.NoError(t, p.SetArmed(true))
	require.NoError(t, p.SetThrottle(80))
	assert.Equal(t, 80.0, p.State().Throttle)

	// 撤防顺带把油门归零
	require.NoError(t, p.SetArmed(false))
	assert.Zero(t, p.State().Throttle)
}

func TestPublisher_ObserveFollowsVesselArmedFlag(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	armedSnap := func(id string, armed bool) state.Snapshot {
		return state.Snapshot{EntityID: id, LastAppliedSequence: 1, Fields: map[string]any{"armed": armed}}
	}

	p.Observe(armedSnap("boat-1", true))
	assert.False(t, p.State().Armed, "offline never arms")

	p.SetConnected(true)
	p.Observe(armedSnap("boat-2", true))
	assert.False(t, p.State().Armed, "other vessels are ignored")
	stale := armedSnap("boat-1", true)
	stale.Stale = true
	p.Observe(stale)
	assert.False(t, p.State().Armed, "warm-start data is ignored")

	p.Observe(armedSnap("boat-1", true))
	assert.True(t, p.State().Armed)
	require.NoError(t, p.SetThrottle(35))

	store := state.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	follow := store.Subscribe("boat-1")
	go func() {
		p.Follow(ctx, follow)
		close(done)
	}()
	store.Put(armedSnap("boat-1", false))
	require.Eventually(t, func() bool { return !p.State().Armed }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.State().Throttle)
	cancel()
	<-done
}
