// Package outbox buffers client intents and retransmits them until the server
// acknowledges them or the retry budget runs out.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncClient/backend/internal/clock"
	"syncClient/backend/internal/wire"
)

// Sender is the connection the queue transmits through.
type Sender interface {
	Send(ctx context.Context, env wire.IntentEnvelope) error
}

type Options struct {
	// Capacity 未确认意图的上限，满了 Submit 直接报 ErrQueueFull
	Capacity    int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	SendTimeout time.Duration
	Clock       clock.Clock
	Logger      *log.Logger
	NewID       func() string
}

const (
	DefaultCapacity    = 200
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultSendTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Queue holds intents in submission order. A single background goroutine owns
// transmission and retry timers; everything else only mutates state under mu
// and pokes it.
type Queue struct {
	sender Sender
	opt    Options
	clock  clock.Clock
	logger *log.Logger

	mu        sync.Mutex
	items     []*Intent
	byID      map[string]*Intent
	connected bool
	closed    bool
	observers []func(Outcome)

	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func New(sender Sender, opt Options) *Queue {
	opt = opt.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sender: sender,
		opt:    opt,
		clock:  opt.Clock,
		logger: opt.Logger,
		byID:   make(map[string]*Intent),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run(ctx)
	return q
}

// Submit enqueues payload and returns its ticket. It never transmits on the
// caller's goroutine.
func (q *Queue) Submit(ctx context.Context, payload json.RawMessage) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	if len(payload) == 0 {
		return Ticket{}, ErrEmptyPayload
	}
	if !json.Valid(payload) {
		return Ticket{}, errors.New("outbox: payload is not valid json")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Ticket{}, ErrClosed
	}
	if len(q.items) >= q.opt.Capacity {
		q.mu.Unlock()
		return Ticket{}, ErrQueueFull
	}
	in := &Intent{
		ID:          q.opt.NewID(),
		Payload:     slices.Clone(payload),
		Status:      Pending,
		SubmittedAt: q.clock.Now(),
		done:        make(chan Outcome, 1),
	}
	q.items = append(q.items, in)
	q.byID[in.ID] = in
	q.mu.Unlock()

	q.poke()
	return Ticket{ID: in.ID, Done: in.done}, nil
}

// SetConnected pauses or resumes transmission. On resume every unacked intent
// is due again, in submission order; deadlines do not run while paused.
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	if q.connected == connected {
		q.mu.Unlock()
		return
	}
	q.connected = connected
	if connected {
		now := q.clock.Now()
		for _, in := range q.items {
			if in.Attempts < q.opt.MaxAttempts {
				in.NextAttemptAt = time.Time{}
				continue
			}
			// 预算已用完的意图不再重发，只给最后一次发送重新计一个确认窗口
			in.NextAttemptAt = now.Add(q.delay(in.Attempts))
		}
	}
	q.mu.Unlock()
	q.poke()
}

// Ack resolves an intent, either from an ack frame or from the echo of the
// intent in an inbound event. Unknown ids are ignored.
func (q *Queue) Ack(id string) bool {
	in := q.remove(id)
	if in == nil {
		return false
	}
	q.finish(in, Outcome{ID: in.ID, Status: Acked, Attempts: in.Attempts})
	return true
}

// Reject handles a rejected ack. A retryable rejection keeps the intent on its
// normal schedule unless the budget is already spent.
func (q *Queue) Reject(id, reason string, retry bool) bool {
	q.mu.Lock()
	in, ok := q.byID[id]
	exhausted := ok && in.Attempts >= q.opt.MaxAttempts
	q.mu.Unlock()
	if !ok {
		return false
	}
	if retry && !exhausted {
		q.logger.Printf("intent %s rejected (retry): %s", id, reason)
		return true
	}
	if in = q.remove(id); in == nil {
		return false
	}
	q.fail(in, "rejected: "+reason)
	return true
}

// OnOutcome registers an observer called once per resolved intent.
func (q *Queue) OnOutcome(fn func(Outcome)) {
	q.mu.Lock()
	q.observers = append(q.observers, fn)
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns copies of the unacked intents in submission order.
func (q *Queue) Snapshot() []Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Intent, 0, len(q.items))
	for _, in := range q.items {
		c := *in
		c.Payload = slices.Clone(in.Payload)
		c.done = nil
		out = append(out, c)
	}
	return out
}

// Close stops the retry loop and fails whatever is still pending so no
// submitter waits forever.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		<-q.done
		q.mu.Lock()
		q.closed = true
		left := q.items
		q.items = nil
		q.byID = make(map[string]*Intent)
		q.mu.Unlock()
		for _, in := range left {
			q.fail(in, "outbox closed")
		}
	})
	return nil
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) delay(attempt int) time.Duration {
	d := q.opt.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opt.MaxDelay {
			return q.opt.MaxDelay
		}
	}
	return d
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	for {
		next, ok := q.step(ctx)

		var timer clock.Timer
		var fire <-chan time.Time
		if ok {
			timer = q.clock.NewTimer(next.Sub(q.clock.Now()))
			fire = timer.C()
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// step transmits everything that is due and returns the next deadline.
func (q *Queue) step(ctx context.Context) (time.Time, bool) {
	q.mu.Lock()
	if !q.connected || len(q.items) == 0 {
		q.mu.Unlock()
		return time.Time{}, false
	}
	now := q.clock.Now()
	var (
		send    []wire.IntentEnvelope
		expired []*Intent
		next    time.Time
		hasNext bool
	)
	keep := q.items[:0]
	for _, in := range q.items {
		if in.NextAttemptAt.After(now) {
			keep = append(keep, in)
			if !hasNext || in.NextAttemptAt.Before(next) {
				next, hasNext = in.NextAttemptAt, true
			}
			continue
		}
		if in.Attempts >= q.opt.MaxAttempts {
			delete(q.byID, in.ID)
			expired = append(expired, in)
			continue
		}
		in.Attempts++
		in.Status = Sent
		in.LastSentAt = now
		in.NextAttemptAt = now.Add(q.delay(in.Attempts))
		if !hasNext || in.NextAttemptAt.Before(next) {
			next, hasNext = in.NextAttemptAt, true
		}
		send = append(send, wire.IntentEnvelope{
			ClientIntentID: in.ID,
			Payload:        in.Payload,
			Attempt:        in.Attempts,
			SentAt:         now.UnixMilli(),
		})
		keep = append(keep, in)
	}
	clear(q.items[len(keep):])
	q.items = keep
	q.mu.Unlock()

	for _, in := range expired {
		q.fail(in, "retry budget exhausted")
	}

	for i, env := range send {
		sendCtx, cancel := context.WithTimeout(ctx, q.opt.SendTimeout)
		err := q.sender.Send(sendCtx, env)
		cancel()
		if err == nil {
			continue
		}
		// 没发出去的不算一次尝试，稍后（或重连后）再发
		q.logger.Printf("send intent %s: %v", env.ClientIntentID, err)
		retryAt := q.clock.Now().Add(q.opt.BaseDelay)
		q.mu.Lock()
		for _, rest := range send[i:] {
			if in, ok := q.byID[rest.ClientIntentID]; ok && in.Attempts == rest.Attempt {
				in.Attempts--
				in.Status = Pending
				in.NextAttemptAt = retryAt
			}
		}
		q.mu.Unlock()
		if !hasNext || retryAt.Before(next) {
			next, hasNext = retryAt, true
		}
		break
	}
	return next, hasNext
}

func (q *Queue) remove(id string) *Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	in, ok := q.byID[id]
	if !ok {
		return nil
	}
	delete(q.byID, id)
	if i := slices.Index(q.items, in); i >= 0 {
		q.items = slices.Delete(q.items, i, i+1)
	}
	return in
}

func (q *Queue) fail(in *Intent, reason string) {
	err := &IntentFailedError{ID: in.ID, Attempts: in.Attempts, Reason: reason}
	q.logger.Printf("%v", err)
	q.finish(in, Outcome{ID: in.ID, Status: Failed, Attempts: in.Attempts, Err: err})
}

func (q *Queue) finish(in *Intent, o Outcome) {
	q.mu.Lock()
	in.Status = o.Status
	observers := slices.Clone(q.observers)
	q.mu.Unlock()

	select {
	case in.done <- o:
	default:
	}
	for _, fn := range observers {
		fn(o)
	}
}
