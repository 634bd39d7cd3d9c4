// Package reconcile turns a reordered, duplicated and gapped event stream into
// exactly-once, in-order application on the entity store.
//
// A Reconciler is owned by one goroutine and is not safe for concurrent use.
package reconcile

import (
	"errors"
	"fmt"
	"log"
	"maps"
	"time"

	"syncClient/backend/internal/clock"
	"syncClient/backend/internal/state"
	"syncClient/backend/internal/wire"
)

// ErrResyncRequired 增量流无法补齐的缺口，需要权威快照
var ErrResyncRequired = errors.New("RESYNC_REQUIRED")

// ResyncRequest asks for authoritative snapshots. An empty EntityIDs means every entity.
type ResyncRequest struct {
	EntityIDs []string
	Reason    error
}

func (r ResyncRequest) All() bool { return len(r.EntityIDs) == 0 }

type Resyncer interface {
	RequestResync(req ResyncRequest)
}

type ResyncerFunc func(req ResyncRequest)

func (f ResyncerFunc) RequestResync(req ResyncRequest) { f(req) }

type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeBuffered
	OutcomeDiscarded
	// 窗口溢出，已请求该实体重同步
	OutcomeOverflow
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeOverflow:
		return "overflow"
	}
	return "unknown"
}

type Options struct {
	Window     int
	GapTimeout time.Duration
	Clock      clock.Clock
	Logger     *log.Logger
}

const (
	DefaultWindow     = 32
	DefaultGapTimeout = 5 * time.Second
)

type Stats struct {
	Applied   uint64 `json:"applied"`
	Discarded uint64 `json:"discarded"`
	Buffered  uint64 `json:"buffered"`
	Resyncs   uint64 `json:"resyncs"`
}

// gapWindow 单个实体的乱序缓冲
type gapWindow struct {
	events   map[uint64]wire.Event
	openedAt time.Time
}

type Reconciler struct {
	store  *state.Store
	resync Resyncer
	clock  clock.Clock
	logger *log.Logger

	window     int
	gapTimeout time.Duration

	windows map[string]*gapWindow
	stats   Stats
}

func New(store *state.Store, resync Resyncer, opt Options) *Reconciler {
	if opt.Window <= 0 {
		opt.Window = DefaultWindow
	}
	if opt.GapTimeout <= 0 {
		opt.GapTimeout = DefaultGapTimeout
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	if opt.Logger == nil {
		opt.Logger = log.Default()
	}
	return &Reconciler{
		store:      store,
		resync:     resync,
		clock:      opt.Clock,
		logger:     opt.Logger,
		window:     opt.Window,
		gapTimeout: opt.GapTimeout,
		windows:    make(map[string]*gapWindow),
	}
}

func (r *Reconciler) Stats() Stats { return r.stats }

// Apply feeds one inbound event.
func (r *Reconciler) Apply(e wire.Event) Outcome {
	snap, known := r.store.Get(e.EntityID)
	marker, ordered := e.Recency()
	if marker == 0 {
		r.stats.Discarded++
		return OutcomeDiscarded
	}

	if !ordered {
		// 时间戳排序：只比较新旧，没有连续性可言，不缓冲
		if known && !snap.Timestamped && snap.LastAppliedSequence > 0 {
			r.stats.Discarded++
			return OutcomeDiscarded
		}
		if known && marker <= snap.LastAppliedSequence {
			r.stats.Discarded++
			return OutcomeDiscarded
		}
		r.apply(snap, e, marker, true)
		return OutcomeApplied
	}

	if known && snap.Timestamped {
		r.stats.Discarded++
		return OutcomeDiscarded
	}
	last := snap.LastAppliedSequence

	// 快照和删除都是权威的终态，可以越过缺口直接应用
	if e.Type == wire.EventSnapshot || e.Type == wire.EventRemove {
		// 同序号的只在本地是预热的陈旧数据时才重放
		if known && (marker < last || (marker == last && !snap.Stale)) {
			r.stats.Discarded++
			return OutcomeDiscarded
		}
		snap = r.apply(snap, e, marker, false)
		r.drain(snap)
		return OutcomeApplied
	}

	switch {
	case marker <= last:
		r.stats.Discarded++
		return OutcomeDiscarded
	case marker == last+1:
		snap = r.apply(snap, e, marker, false)
		r.drain(snap)
		return OutcomeApplied
	default:
		return r.buffer(e, marker)
	}
}

func (r *Reconciler) apply(prev state.Snapshot, e wire.Event, marker uint64, timestamped bool) state.Snapshot {
	next := prev
	next.EntityID = e.EntityID
	switch e.Type {
	case wire.EventSnapshot:
		next.Fields = maps.Clone(e.Fields)
		next.Removed = false
	case wire.EventRemove:
		next.Fields = nil
		next.Removed = true
	default:
		fields := maps.Clone(prev.Fields)
		if fields == nil {
			fields = make(map[string]any, len(e.Fields))
		}
		for k, v := range e.Fields {
			// null 表示删除该字段
			if v == nil {
				delete(fields, k)
				continue
			}
			fields[k] = v
		}
		next.Fields = fields
		next.Removed = false
	}
	next.LastAppliedSequence = marker
	next.Timestamped = timestamped
	next.Stale = false
	next.UpdatedAt = r.clock.Now()
	if e.ClientIntentID != "" {
		next.LastIntentID = e.ClientIntentID
	}
	r.store.Put(next)
	r.stats.Applied++
	return next
}

// drain applies buffered events that became contiguous and drops the ones
// that are now stale.
func (r *Reconciler) drain(snap state.Snapshot) {
	w, ok := r.windows[snap.EntityID]
	if !ok {
		return
	}
	progressed := false
	for seq := range w.events {
		if seq <= snap.LastAppliedSequence {
			delete(w.events, seq)
		}
	}
	for {
		e, ok := w.events[snap.LastAppliedSequence+1]
		if !ok {
			break
		}
		delete(w.events, snap.LastAppliedSequence+1)
		snap = r.apply(snap, e, e.Sequence, false)
		progressed = true
	}
	if len(w.events) == 0 {
		delete(r.windows, snap.EntityID)
		return
	}
	if progressed {
		// 原缺口已补上，剩下的是新缺口
		w.openedAt = r.clock.Now()
	}
}

func (r *Reconciler) buffer(e wire.Event, marker uint64) Outcome {
	w, ok := r.windows[e.EntityID]
	if !ok {
		w = &gapWindow{events: make(map[uint64]wire.Event), openedAt: r.clock.Now()}
		r.windows[e.EntityID] = w
	}
	if _, dup := w.events[marker]; dup {
		r.stats.Discarded++
		return OutcomeDiscarded
	}
	if len(w.events) < r.window {
		w.events[marker] = e
		r.stats.Buffered++
		return OutcomeBuffered
	}

	// 窗口满：保留较小的序号，最大的那个交给重同步补回
	var highest uint64
	for seq := range w.events {
		if seq > highest {
			highest = seq
		}
	}
	if marker < highest {
		delete(w.events, highest)
		w.events[marker] = e
	}
	r.request(ResyncRequest{
		EntityIDs: []string{e.EntityID},
		Reason:    fmt.Errorf("%w: entity %s window of %d overflowed at sequence %d", ErrResyncRequired, e.EntityID, r.window, marker),
	})
	return OutcomeOverflow
}

// NextDeadline returns when the oldest open gap times out.
func (r *Reconciler) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, w := range r.windows {
		d := w.openedAt.Add(r.gapTimeout)
		if !found || d.Before(earliest) {
			earliest = d
			found = true
		}
	}
	return earliest, found
}

// CheckGaps requests a resync for every entity whose gap has been open for at
// least the gap timeout. Buffered events are kept so they still apply on top
// of an older snapshot; the gap clock restarts so the request repeats if the
// snapshot never arrives.
func (r *Reconciler) CheckGaps() []string {
	now := r.clock.Now()
	var expired []string
	for id, w := range r.windows {
		if now.Sub(w.openedAt) >= r.gapTimeout {
			expired = append(expired, id)
			w.openedAt = now
		}
	}
	if len(expired) == 0 {
		return nil
	}
	r.request(ResyncRequest{
		EntityIDs: expired,
		Reason:    fmt.Errorf("%w: gap open for %s on %d entities", ErrResyncRequired, r.gapTimeout, len(expired)),
	})
	return expired
}

// HandleResyncRequested invalidates every buffered window and asks for a full
// authoritative resync. Called when the channel (re)connects.
func (r *Reconciler) HandleResyncRequested() {
	dropped := 0
	for _, w := range r.windows {
		dropped += len(w.events)
	}
	r.windows = make(map[string]*gapWindow)
	if dropped > 0 {
		r.logger.Printf("resync requested, dropped %d buffered events", dropped)
	}
	r.request(ResyncRequest{Reason: fmt.Errorf("%w: channel connected", ErrResyncRequired)})
}

// RequestResync forwards a server-initiated resync for the given entities.
func (r *Reconciler) RequestResync(entityIDs []string) {
	r.request(ResyncRequest{
		EntityIDs: entityIDs,
		Reason:    fmt.Errorf("%w: requested by server", ErrResyncRequired),
	})
}

// Buffered returns how many events are waiting in entityID's window.
func (r *Reconciler) Buffered(entityID string) int {
	if w, ok := r.windows[entityID]; ok {
		return len(w.events)
	}
	return 0
}

func (r *Reconciler) request(req ResyncRequest) {
	r.stats.Resyncs++
	if r.resync == nil {
		return
	}
	r.resync.RequestResync(req)
}
