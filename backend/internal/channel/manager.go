// Package channel owns the single logical connection to the realtime server:
// dial, authenticate, heartbeat, loss detection and reconnect with backoff.
package channel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"syncClient/backend/internal/clock"
	"syncClient/backend/internal/wire"
)

var (
	ErrNotConnected   = errors.New("NOT_CONNECTED")
	ErrTimeout        = errors.New("TIMEOUT")
	ErrAuthFailed     = errors.New("AUTH_FAILED")
	ErrClosed         = errors.New("CHANNEL_CLOSED")
	ErrAlreadyStarted = errors.New("CHANNEL_ALREADY_STARTED")
)

const (
	DefaultHeartbeat   = 15 * time.Second
	DefaultStableAfter = 30 * time.Second
	DefaultAuthTimeout = 10 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

type Options struct {
	Dialer  Dialer
	Backoff Backoff
	// Heartbeat 心跳间隔 H；2H 内没有任何入站流量视为断线
	Heartbeat time.Duration
	// StableAfter 连续在线这么久之后重连计数清零
	StableAfter time.Duration
	AuthTimeout time.Duration
	DialTimeout time.Duration
	Clock       clock.Clock
	Logger      *log.Logger
	// Rand 抖动采样，返回 [0,1)
	Rand func() float64
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	o.Backoff = o.Backoff.withDefaults()
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.StableAfter <= 0 {
		o.StableAfter = DefaultStableAfter
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	return o
}

type Manager struct {
	opt    Options
	clock  clock.Clock
	logger *log.Logger
	queue  *inboundQueue

	mu        sync.Mutex
	state     State
	changed   chan struct{}
	observers []func(State)
	live      *session
	cycle     uint64
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}

	closeOnce sync.Once
}

func NewManager(opt Options) *Manager {
	opt = opt.withDefaults()
	m := &Manager{
		opt:     opt,
		clock:   opt.Clock,
		logger:  opt.Logger,
		queue:   newInboundQueue(),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.state = State{Phase: Disconnected, Since: opt.Clock.Now()}
	return m
}

// Connect starts the connection loop in the background and returns
// immediately. Use WaitConnected to block until the channel is usable.
func (m *Manager) Connect(creds Credentials) error {
	if creds.URL == "" {
		return errors.New("channel: empty url")
	}
	if creds.Tokens == nil {
		creds.Tokens = StaticToken("")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.started = true
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(ctx, creds)
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers an observer. Observers run on the connection
// goroutine and must not block or call Close.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		phase, ch := m.state.Phase, m.changed
		m.mu.Unlock()
		switch phase {
		case Connected:
			return nil
		case Closed:
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Send transmits one intent. It fails with ErrNotConnected unless the channel
// is Connected; the caller keeps the intent and retries later.
func (m *Manager) Send(ctx context.Context, env wire.IntentEnvelope) error {
	sess, err := m.liveSession()
	if err != nil {
		return err
	}
	data, err := wire.EncodeIntent(env)
	if err != nil {
		return err
	}
	return m.write(ctx, sess, data)
}

func (m *Manager) SendControl(ctx context.Context, c wire.Control) error {
	sess, err := m.liveSession()
	if err != nil {
		return err
	}
	data, err := wire.EncodeControl(c)
	if err != nil {
		return err
	}
	return m.write(ctx, sess, data)
}

// Next returns the next inbound frame or signal. The sequence spans
// reconnects and ends with ErrClosed after Close.
func (m *Manager) Next(ctx context.Context) (Inbound, error) {
	return m.queue.pop(ctx)
}

func (m *Manager) Events(ctx context.Context) iter.Seq[Inbound] {
	return func(yield func(Inbound) bool) {
		for {
			in, err := m.queue.pop(ctx)
			if err != nil {
				return
			}
			if !yield(in) {
				return
			}
		}
	}
}

// Pending returns how many inbound items are waiting to be consumed.
func (m *Manager) Pending() int { return m.queue.len() }

// Close stops reconnecting, cancels every timer and releases the transport.
// Safe to call more than once and from any goroutine except an observer.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
			<-m.done
		}
		m.queue.close()
		m.setState(State{Phase: Closed})
	})
	return nil
}

func (m *Manager) liveSession() (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil || m.state.Phase != Connected {
		return nil, ErrNotConnected
	}
	return m.live, nil
}

func (m *Manager) write(ctx context.Context, sess *session, data []byte) error {
	if err := sess.write(ctx, data); err != nil {
		sess.fail(err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (m *Manager) setState(s State) {
	s.Since = m.clock.Now()
	m.mu.Lock()
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

func (m *Manager) run(ctx context.Context, creds Credentials) {
	defer close(m.done)
	attempt := 0
	for {
		connectedFor, err := m.connectOnce(ctx, creds, attempt)
		if ctx.Err() != nil {
			return
		}
		if connectedFor >= m.opt.StableAfter {
			attempt = 0
		}
		attempt++
		delay := m.opt.Backoff.Delay(attempt, m.opt.Rand())
		until := m.clock.Now().Add(delay)
		m.logger.Printf("connection lost (attempt %d): %v, retry in %s", attempt, err, delay)
		st := State{Phase: Reconnecting, Attempt: attempt, BackoffUntil: until}
		if err != nil {
			st.LastError = err.Error()
		}
		m.setState(st)

		t := m.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}
	}
}

// connectOnce runs one connection cycle and returns how long it stayed
// Connected together with the reason it ended.
func (m *Manager) connectOnce(ctx context.Context, creds Credentials, attempt int) (time.Duration, error) {
	m.setState(State{Phase: Connecting, Attempt: attempt})

	token, err := creds.Tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("token: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.opt.DialTimeout)
	t, err := m.opt.Dialer.Dial(dialCtx, creds.URL, token)
	cancel()
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			creds.Tokens.Invalidate()
		}
		return 0, fmt.Errorf("dial: %w", err)
	}

	sess := newSession(t)
	defer m.release(sess)
	m.mu.Lock()
	m.cycle++
	cycle := m.cycle
	m.mu.Unlock()
	go m.read(sess, cycle)

	if err := m.authenticate(ctx, creds, token, sess); err != nil {
		return 0, err
	}

	connectedAt := m.clock.Now()
	sess.touch(connectedAt)
	m.mu.Lock()
	m.live = sess
	m.mu.Unlock()
	m.setState(State{Phase: Connected})
	m.queue.push(Inbound{Signal: ResyncRequested, Cycle: cycle})
	// 放行读循环，之后的帧一定排在 ResyncRequested 后面
	close(sess.live)

	err = m.serve(ctx, sess)
	return m.clock.Now().Sub(connectedAt), err
}

func (m *Manager) authenticate(ctx context.Context, creds Credentials, token string, sess *session) error {
	m.setState(State{Phase: Authenticating})
	frame, err := wire.EncodeControl(wire.Control{Op: wire.OpAuth, Token: token})
	if err != nil {
		return err
	}
	if err := sess.write(ctx, frame); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	t := m.clock.NewTimer(m.opt.AuthTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-sess.errc:
		return fmt.Errorf("read: %w", err)
	case <-t.C():
		return fmt.Errorf("%w: no auth_ok within %s", ErrTimeout, m.opt.AuthTimeout)
	case c := <-sess.authc:
		if c.Op == wire.OpAuthFailed {
			creds.Tokens.Invalidate()
			return fmt.Errorf("%w: %s", ErrAuthFailed, c.Reason)
		}
		return nil
	}
}

// serve keeps a Connected session alive until it fails, goes silent for 2H or
// ctx ends.
func (m *Manager) serve(ctx context.Context, sess *session) error {
	h := m.opt.Heartbeat
	nextBeat := m.clock.Now().Add(h)
	for {
		now := m.clock.Now()
		wake := nextBeat
		if deadline := sess.lastInbound().Add(2 * h); deadline.Before(wake) {
			wake = deadline
		}
		t := m.clock.NewTimer(wake.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case err := <-sess.errc:
			t.Stop()
			return fmt.Errorf("read: %w", err)
		case <-t.C():
		}

		now = m.clock.Now()
		if silent := now.Sub(sess.lastInbound()); silent >= 2*h {
			return fmt.Errorf("%w: no inbound traffic for %s", ErrTimeout, silent)
		}
		if !now.Before(nextBeat) {
			frame, _ := wire.EncodeControl(wire.Control{Op: wire.OpHeartbeat})
			if err := sess.write(ctx, frame); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			nextBeat = now.Add(h)
		}
	}
}

func (m *Manager) read(sess *session, cycle uint64) {
	authed := false
	for {
		data, err := sess.t.ReadMessage()
		if err != nil {
			sess.fail(err)
			return
		}
		sess.touch(m.clock.Now())

		frame, err := wire.Decode(data)
		if err != nil {
			m.logger.Printf("drop frame: %v", err)
			continue
		}
		if frame.Kind == wire.KindControl {
			switch frame.Control.Op {
			case wire.OpHeartbeat, wire.OpAuth:
				continue
			case wire.OpAuthOK, wire.OpAuthFailed:
				if authed {
					continue
				}
				select {
				case sess.authc <- frame.Control:
				default:
				}
				if frame.Control.Op == wire.OpAuthOK {
					authed = true
					select {
					case <-sess.live:
					case <-sess.done:
						return
					}
				}
				continue
			}
		}
		if !authed {
			m.logger.Printf("drop %s frame received before auth_ok", frame.Kind)
			continue
		}
		m.queue.push(Inbound{Frame: frame, Cycle: cycle})
	}
}

func (m *Manager) release(sess *session) {
	m.mu.Lock()
	if m.live == sess {
		m.live = nil
	}
	m.mu.Unlock()
	if err := sess.release(); err != nil {
		m.logger.Printf("close transport: %v", err)
	}
}

// session is one dialed transport. The transport is closed exactly once no
// matter which path ends the cycle.
type session struct {
	t       Transport
	writeMu sync.Mutex
	lastIn  atomic.Int64

	errc  chan error
	authc chan *wire.Control
	live  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSession(t Transport) *session {
	return &session{
		t:     t,
		errc:  make(chan error, 1),
		authc: make(chan *wire.Control, 1),
		live:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (s *session) write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errReleased
	default:
	}
	return s.t.WriteMessage(ctx, data)
}

var errReleased = errors.New("transport released")

func (s *session) fail(err error) {
	select {
	case s.errc <- err:
	default:
	}
}

func (s *session) touch(t time.Time) { s.lastIn.Store(t.UnixNano()) }

func (s *session) lastInbound() time.Time { return time.Unix(0, s.lastIn.Load()) }

func (s *session) release() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.t.Close()
	})
	return err
}
