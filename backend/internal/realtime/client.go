// Package realtime is the facade the rest of the process talks to: subscribe
// to entity changes, read snapshots, submit intents, watch the connection.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"syncClient/backend/internal/channel"
	"syncClient/backend/internal/clock"
	"syncClient/backend/internal/outbox"
	"syncClient/backend/internal/reconcile"
	"syncClient/backend/internal/state"
	"syncClient/backend/internal/wire"
)

// SnapshotFetcher is the HTTP fallback for resync when the channel cannot
// carry the request. Empty ids means every entity.
type SnapshotFetcher interface {
	FetchSnapshots(ctx context.Context, ids []string) ([]wire.Event, error)
}

type Options struct {
	Credentials channel.Credentials
	Channel     channel.Options
	Reconcile   reconcile.Options
	Outbox      outbox.Options
	Snapshots   SnapshotFetcher
	Clock       clock.Clock
	Logger      *log.Logger
}

// Status is what the UI shows next to the map.
type Status struct {
	Phase          string          `json:"phase"`
	Text           string          `json:"text"`
	Online         bool            `json:"online"`
	Stale          bool            `json:"stale"`
	Attempt        int             `json:"attempt,omitempty"`
	BackoffUntil   time.Time       `json:"backoffUntil,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	Entities       int             `json:"entities"`
	PendingIntents int             `json:"pendingIntents"`
	Reconcile      reconcile.Stats `json:"reconcile"`
}

type Client struct {
	creds   channel.Credentials
	mgr     *channel.Manager
	store   *state.Store
	rec     *reconcile.Reconciler
	out     *outbox.Queue
	fetcher SnapshotFetcher
	clock   clock.Clock
	logger  *log.Logger

	inbound chan channel.Inbound
	fetched chan []wire.Event

	// 待发的 resync，合并后由 resyncLoop 发出，pump 不碰网络写
	resyncMu     sync.Mutex
	resyncAll    bool
	resyncIDs    map[string]struct{}
	resyncReason string
	resyncWake   chan struct{}

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stats   reconcile.Stats

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opt Options) *Client {
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	if opt.Logger == nil {
		opt.Logger = log.Default()
	}
	if opt.Channel.Clock == nil {
		opt.Channel.Clock = opt.Clock
	}
	if opt.Channel.Logger == nil {
		opt.Channel.Logger = opt.Logger
	}
	if opt.Reconcile.Clock == nil {
		opt.Reconcile.Clock = opt.Clock
	}
	if opt.Reconcile.Logger == nil {
		opt.Reconcile.Logger = opt.Logger
	}
	if opt.Outbox.Clock == nil {
		opt.Outbox.Clock = opt.Clock
	}
	if opt.Outbox.Logger == nil {
		opt.Outbox.Logger = opt.Logger
	}

	mgr := channel.NewManager(opt.Channel)
	store := state.NewStore()
	c := &Client{
		creds:   opt.Credentials,
		mgr:     mgr,
		store:   store,
		fetcher: opt.Snapshots,
		clock:   opt.Clock,
		logger:  opt.Logger,
		inbound: make(chan channel.Inbound),
		fetched: make(chan []wire.Event, 4),
		ctx:     context.Background(),

		resyncWake: make(chan struct{}, 1),
	}
	c.rec = reconcile.New(store, c, opt.Reconcile)
	c.out = outbox.New(mgr, opt.Outbox)
	mgr.OnStateChange(func(s channel.State) {
		c.out.SetConnected(s.Phase == channel.Connected)
	})
	return c
}

// Preload seeds snapshots remembered from a previous run. They are served as
// stale until the first authoritative snapshot replaces them.
func (c *Client) Preload(snaps []state.Snapshot) int { return c.store.Load(snaps) }

// Start connects the channel and starts the pump. It returns once the
// connection loop is running, not once it is connected.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return channel.ErrAlreadyStarted
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	if err := c.mgr.Connect(c.creds); err != nil {
		return err
	}
	c.wg.Add(3)
	go c.feed(runCtx)
	go c.pump(runCtx)
	go c.resyncLoop(runCtx)
	return nil
}

func (c *Client) WaitConnected(ctx context.Context) error { return c.mgr.WaitConnected(ctx) }

func (c *Client) Subscribe(entityID string) *state.Subscription { return c.store.Subscribe(entityID) }

func (c *Client) Get(entityID string) (state.Snapshot, bool) { return c.store.Get(entityID) }

func (c *Client) Entities() []state.Snapshot { return c.store.All() }

// Submit queues an intent. The ticket resolves when the server acks it or the
// retry budget runs out.
func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (outbox.Ticket, error) {
	return c.out.Submit(ctx, payload)
}

func (c *Client) Intents() []outbox.Intent { return c.out.Snapshot() }

func (c *Client) OnOutcome(fn func(outbox.Outcome)) { c.out.OnOutcome(fn) }

func (c *Client) OnStateChange(fn func(channel.State)) { c.mgr.OnStateChange(fn) }

func (c *Client) Status() Status {
	st := c.mgr.State()
	c.mu.Lock()
	stats := c.stats
	c.mu.Unlock()
	return Status{
		Phase:          st.Phase.String(),
		Text:           st.Text(c.clock.Now()),
		Online:         st.Phase == channel.Connected,
		Stale:          st.Phase != channel.Connected,
		Attempt:        st.Attempt,
		BackoffUntil:   st.BackoffUntil,
		LastError:      st.LastError,
		Entities:       c.store.Len(),
		PendingIntents: c.out.Len(),
		Reconcile:      stats,
	}
}

// Close tears everything down. Pending intents resolve as failed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.mgr.Close()
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		_ = c.out.Close()
	})
	return nil
}

// RequestResync implements reconcile.Resyncer. It only records the request;
// resyncLoop sends it, so a stalled socket write never holds up the pump.
// Requests that pile up while one is in flight are merged.
func (c *Client) RequestResync(req reconcile.ResyncRequest) {
	c.resyncMu.Lock()
	switch {
	case req.All():
		c.resyncAll = true
		c.resyncIDs = nil
	case !c.resyncAll:
		if c.resyncIDs == nil {
			c.resyncIDs = make(map[string]struct{})
		}
		for _, id := range req.EntityIDs {
			c.resyncIDs[id] = struct{}{}
		}
	}
	if req.Reason != nil {
		c.resyncReason = req.Reason.Error()
	}
	c.resyncMu.Unlock()

	select {
	case c.resyncWake <- struct{}{}:
	default:
	}
}

// takeResync hands out the merged request. nil ids with ok means every entity.
func (c *Client) takeResync() (ids []string, reason string, ok bool) {
	c.resyncMu.Lock()
	defer c.resyncMu.Unlock()
	if !c.resyncAll && len(c.resyncIDs) == 0 {
		return nil, "", false
	}
	if !c.resyncAll {
		ids = slices.Sorted(maps.Keys(c.resyncIDs))
	}
	reason = c.resyncReason
	c.resyncAll, c.resyncIDs, c.resyncReason = false, nil, ""
	return ids, reason, true
}

func (c *Client) resyncLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.resyncWake:
		}
		if ids, reason, ok := c.takeResync(); ok {
			c.sendResync(ctx, ids, reason)
		}
	}
}

// sendResync tries the channel first; when it is down the HTTP fallback
// fetches snapshots and hands them back to the pump.
func (c *Client) sendResync(ctx context.Context, ids []string, reason string) {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := c.mgr.SendControl(sendCtx, wire.Control{Op: wire.OpResyncRequest, EntityIDs: ids, Reason: reason})
	cancel()
	if err == nil || ctx.Err() != nil {
		return
	}
	if c.fetcher == nil {
		c.logger.Printf("resync request dropped (%v), no http fallback", err)
		return
	}
	events, err := c.fetcher.FetchSnapshots(ctx, ids)
	if err != nil {
		c.logger.Printf("http resync of %d entities: %v", len(ids), err)
		return
	}
	select {
	case c.fetched <- events:
	case <-ctx.Done():
	}
}

// feed relays the inbound sequence into a channel so the pump can select on it.
func (c *Client) feed(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.inbound)
	for in := range c.mgr.Events(ctx) {
		select {
		case c.inbound <- in:
		case <-ctx.Done():
			return
		}
	}
}

// pump is the only writer of the store.
func (c *Client) pump(ctx context.Context) {
	defer c.wg.Done()
	for {
		var gap clock.Timer
		var gapC <-chan time.Time
		if deadline, ok := c.rec.NextDeadline(); ok {
			gap = c.clock.NewTimer(deadline.Sub(c.clock.Now()))
			gapC = gap.C()
		}

		select {
		case <-ctx.Done():
			if gap != nil {
				gap.Stop()
			}
			return
		case in, ok := <-c.inbound:
			if !ok {
				if gap != nil {
					gap.Stop()
				}
				return
			}
			c.handle(in)
		case events := <-c.fetched:
			for _, e := range events {
				c.rec.Apply(e)
			}
		case <-gapC:
			c.rec.CheckGaps()
		}
		if gap != nil {
			gap.Stop()
		}

		stats := c.rec.Stats()
		c.mu.Lock()
		c.stats = stats
		c.mu.Unlock()
	}
}

func (c *Client) handle(in channel.Inbound) {
	if in.Signal == channel.ResyncRequested {
		c.rec.HandleResyncRequested()
		return
	}
	f := in.Frame
	switch f.Kind {
	case wire.KindEvent:
		// 回显：先让意图队列确认，事件本身仍按序号决定是否应用
		if f.Event.ClientIntentID != "" {
			c.out.Ack(f.Event.ClientIntentID)
		}
		c.rec.Apply(*f.Event)
	case wire.KindAck:
		if f.Ack.Rejected() {
			c.out.Reject(f.Ack.ClientIntentID, f.Ack.Reason, f.Ack.Retry)
			return
		}
		c.out.Ack(f.Ack.ClientIntentID)
	case wire.KindControl:
		if f.Control.Op == wire.OpResync {
			c.rec.RequestResync(f.Control.EntityIDs)
		}
	}
}
