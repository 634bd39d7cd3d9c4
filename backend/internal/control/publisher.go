package control

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"syncClient/backend/internal/clock"
	"syncClient/backend/internal/outbox"
	"syncClient/backend/internal/state"
)

const DefaultInterval = 2 * time.Second

// Submitter is satisfied by realtime.Client and outbox.Queue.
type Submitter interface {
	Submit(ctx context.Context, payload json.RawMessage) (outbox.Ticket, error)
}

type Options struct {
	Interval time.Duration
	// EntityID 被控制的船
	EntityID string
	Clock    clock.Clock
	Logger   *log.Logger
}

// Publisher sends the control state every Interval while connected and right
// after every change. At most one control intent is in flight; changes made
// meanwhile are coalesced into the next send.
type Publisher struct {
	sub    Submitter
	opt    Options
	clock  clock.Clock
	logger *log.Logger

	mu        sync.Mutex
	state     State
	connected bool
	dirty     bool
	inflight  bool
	lastSent  time.Time
	sent      uint64
	failed    uint64

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewPublisher(sub Submitter, opt Options) *Publisher {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	if opt.Logger == nil {
		opt.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		sub:    sub,
		opt:    opt,
		clock:  opt.Clock,
		logger: opt.Logger,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Update applies fn to a copy of the state. Arming while offline is refused
// and leaves the state unchanged; disarming is always allowed. Throttle is
// ignored while offline (ErrOffline) and forced to 0 while disarmed
// (ErrNotArmed); the other fields of the update still apply.
func (p *Publisher) Update(fn func(*State)) (State, error) {
	p.mu.Lock()
	cur := p.state
	next := cur
	fn(&next)
	next = next.Sanitize()
	if next.Armed && !cur.Armed && !p.connected {
		p.mu.Unlock()
		return cur, ErrOffline
	}
	var err error
	if !p.connected && next.Throttle != cur.Throttle {
		next.Throttle = cur.Throttle
		err = ErrOffline
	}
	if !next.Armed && next.Throttle > 0 {
		if err == nil && next.Throttle != cur.Throttle {
			err = ErrNotArmed
		}
		next.Throttle = 0
	}
	changed := next != cur
	p.state = next
	if changed {
		p.dirty = true
	}
	p.mu.Unlock()

	if changed {
		p.poke()
	}
	return next, err
}

func (p *Publisher) SetArmed(armed bool) error {
	_, err := p.Update(func(s *State) { s.Armed = armed })
	return err
}

func (p *Publisher) SetThrottle(v float64) error {
	_, err := p.Update(func(s *State) { s.Throttle = v })
	return err
}

func (p *Publisher) SetJoystick(x, y float64) {
	_, _ = p.Update(func(s *State) { s.JoystickX, s.JoystickY = x, y })
}

// Observe adopts the armed flag the vessel reports in its entity fields.
// Snapshots of other entities, stale warm-start data and tombstones are
// ignored. While offline only a disarm is taken.
func (p *Publisher) Observe(snap state.Snapshot) {
	if snap.EntityID != p.opt.EntityID || snap.Stale || snap.Removed {
		return
	}
	armed, ok := snap.Fields["armed"].(bool)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if armed && !p.connected {
		return
	}
	p.state.Armed = armed
	if !armed {
		p.state.Throttle = 0
	}
}

// Follow feeds every change from sub into Observe until ctx ends.
func (p *Publisher) Follow(ctx context.Context, sub *state.Subscription) {
	defer sub.Close()
	for change := range sub.Changes(ctx) {
		p.Observe(change.Snapshot)
	}
}

// SetConnected follows the channel phase. A fresh connection publishes at once.
// Losing the connection disarms and zeroes the throttle, so a reconnect never
// re-arms the vessel by itself.
func (p *Publisher) SetConnected(connected bool) {
	p.mu.Lock()
	if p.connected == connected {
		p.mu.Unlock()
		return
	}
	p.connected = connected
	if connected {
		p.dirty = true
	} else {
		p.state.Armed = false
		p.state.Throttle = 0
	}
	p.mu.Unlock()
	p.poke()
}

// Stats returns how many control intents were acked and failed.
func (p *Publisher) Stats() (sent, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent, p.failed
}

func (p *Publisher) Close() error {
	p.once.Do(func() {
		p.cancel()
		<-p.done
	})
	return nil
}

func (p *Publisher) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	for {
		next, ok := p.step(ctx)

		var timer clock.Timer
		var fire <-chan time.Time
		if ok {
			timer = p.clock.NewTimer(next.Sub(p.clock.Now()))
			fire = timer.C()
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-p.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// step publishes when due and returns the next periodic deadline. Nothing is
// scheduled while offline or while a send is in flight.
func (p *Publisher) step(ctx context.Context) (time.Time, bool) {
	p.mu.Lock()
	if !p.connected || p.inflight {
		p.mu.Unlock()
		return time.Time{}, false
	}
	now := p.clock.Now()
	due := p.lastSent.Add(p.opt.Interval)
	if !p.dirty && now.Before(due) {
		p.mu.Unlock()
		return due, true
	}
	body, err := json.Marshal(payload{Type: "control", EntityID: p.opt.EntityID, State: p.state})
	p.dirty = false
	p.lastSent = now
	if err != nil {
		p.mu.Unlock()
		p.logger.Printf("encode control state: %v", err)
		return now.Add(p.opt.Interval), true
	}
	p.inflight = true
	p.mu.Unlock()

	ticket, err := p.sub.Submit(ctx, body)
	if err != nil {
		p.logger.Printf("submit control state: %v", err)
		p.mu.Lock()
		p.inflight = false
		p.failed++
		p.mu.Unlock()
		return now.Add(p.opt.Interval), true
	}
	go p.await(ctx, ticket)
	return time.Time{}, false
}

func (p *Publisher) await(ctx context.Context, ticket outbox.Ticket) {
	out, err := ticket.Wait(ctx)
	if ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	p.inflight = false
	if err != nil {
		p.failed++
	} else if out.Status == outbox.Acked {
		p.sent++
	}
	p.mu.Unlock()
	if err != nil {
		p.logger.Printf("control intent %s: %v", ticket.ID, err)
	}
	p.poke()
}
