package reconcile

import (
	"errors"
	"io"
	"log"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncClient/backend/internal/clock"
	"syncClient/backend/internal/state"
	"syncClient/backend/internal/wire"
)

type recordingResyncer struct {
	requests []ResyncRequest
}

func (r *recordingResyncer) RequestResync(req ResyncRequest) { r.requests = append(r.requests, req) }

func newTestReconciler(t *testing.T, opt Options) (*Reconciler, *state.Store, *recordingResyncer, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	opt.Clock = fake
	opt.Logger = log.New(io.Discard, "", 0)
	store := state.NewStore()
	rs := &recordingResyncer{}
	return New(store, rs, opt), store, rs, fake
}

func update(id string, seq uint64, fields map[string]any) wire.Event {
	return wire.Event{EntityID: id, Type: wire.EventUpdate, Sequence: seq, Fields: fields}
}

func TestReconciler_ScenarioA(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, Options{})
	store.Put(state.Snapshot{EntityID: "E", LastAppliedSequence: 5, Fields: map[string]any{"seq": 5}})

	outcomes := []Outcome{
		r.Apply(update("E", 7, map[string]any{"seq": 7})),
		r.Apply(update("E", 6, map[string]any{"seq": 6})),
		r.Apply(update("E", 5, map[string]any{"seq": 5})),
		r.Apply(update("E", 8, map[string]any{"seq": 8})),
	}
	assert.Equal(t, []Outcome{OutcomeBuffered, OutcomeApplied, OutcomeDiscarded, OutcomeApplied}, outcomes)

	snap, ok := store.Get("E")
	require.True(t, ok)
	assert.Equal(t, uint64(8), snap.LastAppliedSequence)
	assert.Equal(t, 8, snap.Fields["seq"])
	assert.Equal(t, 0, r.Buffered("E"))
}

func TestReconciler_MaxSequenceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		r, store, _, _ := newTestReconciler(t, Options{Window: 64})

		const n = 40
		var events []wire.Event
		for seq := uint64(1); seq <= n; seq++ {
			events = append(events, update("boat", seq, map[string]any{"seq": seq}))
			// 随机重复投递
			for rng.Intn(3) == 0 {
				events = append(events, update("boat", seq, map[string]any{"seq": seq}))
			}
		}
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

		var last uint64
		for _, e := range events {
			r.Apply(e)
			snap, ok := store.Get("boat")
			if !ok {
				continue
			}
			require.GreaterOrEqual(t, snap.LastAppliedSequence, last, "round %d", round)
			last = snap.LastAppliedSequence
		}
		snap, _ := store.Get("boat")
		require.Equal(t, uint64(n), snap.LastAppliedSequence, "round %d", round)
		require.Equal(t, uint64(n), r.Stats().Applied, "each sequence applied exactly once")
	}
}

func TestReconciler_Idempotent(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, Options{})
	e := update("boat", 1, map[string]any{"lat": 12.96, "lng": 80.05})

	require.Equal(t, OutcomeApplied, r.Apply(e))
	once, _ := store.Get("boat")

	require.Equal(t, OutcomeDiscarded, r.Apply(e))
	twice, _ := store.Get("boat")
	assert.Equal(t, once, twice)

	snapEvt := wire.Event{EntityID: "boat", Type: wire.EventSnapshot, Sequence: 4, Fields: map[string]any{"lat": 1.0}}
	require.Equal(t, OutcomeApplied, r.Apply(snapEvt))
	first, _ := store.Get("boat")
	require.Equal(t, OutcomeDiscarded, r.Apply(snapEvt))
	second, _ := store.Get("boat")
	assert.Equal(t, first, second)
}

func TestReconciler_UpdateMergesAndNullDeletes(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, Options{})
	r.Apply(update("boat", 1, map[string]any{"lat": 1.0, "ph": 7.1}))
	r.Apply(update("boat", 2, map[string]any{"lat": 2.0, "ph": nil}))

	snap, _ := store.Get("boat")
	assert.Equal(t, 2.0, snap.Fields["lat"])
	_, has := snap.Fields["ph"]
	assert.False(t, has)
}

func TestReconciler_GapTimeoutRequestsEntityResync(t *testing.T) {
	r, store, rs, fake := newTestReconciler(t, Options{GapTimeout: 5 * time.Second})
	r.Apply(update("boat", 1, nil))
	require.Equal(t, OutcomeBuffered, r.Apply(update("boat", 3, nil)))

	deadline, ok := r.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, fake.Now().Add(5*time.Second), deadline)

	fake.Advance(4 * time.Second)
	assert.Empty(t, r.CheckGaps())
	assert.Empty(t, rs.requests)

	fake.Advance(time.Second)
	assert.Equal(t, []string{"boat"}, r.CheckGaps())
	require.Len(t, rs.requests, 1)
	assert.Equal(t, []string{"boat"}, rs.requests[0].EntityIDs)
	assert.True(t, errors.Is(rs.requests[0].Reason, ErrResyncRequired))

	// 权威快照到达后，缓冲中更新的事件继续应用
	r.Apply(wire.Event{EntityID: "boat", Type: wire.EventSnapshot, Sequence: 2, Fields: map[string]any{"lat": 2.0}})
	snap, _ := store.Get("boat")
	assert.Equal(t, uint64(3), snap.LastAppliedSequence)
	_, open := r.NextDeadline()
	assert.False(t, open)
}

func TestReconciler_ResyncRequestedDropsWindows(t *testing.T) {
	r, _, rs, _ := newTestReconciler(t, Options{})
	r.Apply(update("a", 3, nil))
	r.Apply(update("b", 9, nil))
	require.Equal(t, 1, r.Buffered("a"))

	r.HandleResyncRequested()

	assert.Equal(t, 0, r.Buffered("a"))
	assert.Equal(t, 0, r.Buffered("b"))
	require.Len(t, rs.requests, 1)
	assert.True(t, rs.requests[0].All())
}

func TestReconciler_WindowOverflow(t *testing.T) {
	r, _, rs, _ := newTestReconciler(t, Options{Window: 2})
	r.Apply(update("boat", 1, nil))
	require.Equal(t, OutcomeBuffered, r.Apply(update("boat", 5, nil)))
	require.Equal(t, OutcomeBuffered, r.Apply(update("boat", 4, nil)))

	require.Equal(t, OutcomeOverflow, r.Apply(update("boat", 3, nil)))
	assert.Equal(t, 2, r.Buffered("boat"))
	require.Len(t, rs.requests, 1)
	assert.Equal(t, []string{"boat"}, rs.requests[0].EntityIDs)

	// 补上 2 之后 3、4 依次应用，5 已被逐出
	r.Apply(update("boat", 2, nil))
	assert.Equal(t, 0, r.Buffered("boat"))
}

func TestReconciler_RemoveKeepsTombstone(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, Options{})
	r.Apply(update("boat", 1, map[string]any{"lat": 1.0}))
	r.Apply(wire.Event{EntityID: "boat", Type: wire.EventRemove, Sequence: 2})

	snap, ok := store.Get("boat")
	require.True(t, ok)
	assert.True(t, snap.Removed)
	assert.Nil(t, snap.Fields)

	// 墓碑之前的旧事件不能让它复活
	assert.Equal(t, OutcomeDiscarded, r.Apply(update("boat", 1, map[string]any{"lat": 1.0})))
}

func TestReconciler_TimestampOrdering(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, Options{})
	ts := func(ms int64, lat float64) wire.Event {
		return wire.Event{EntityID: "buoy", Type: wire.EventUpdate, ServerTime: ms, Fields: map[string]any{"lat": lat}}
	}
	assert.Equal(t, OutcomeApplied, r.Apply(ts(1000, 1)))
	assert.Equal(t, OutcomeApplied, r.Apply(ts(5000, 5)))
	assert.Equal(t, OutcomeDiscarded, r.Apply(ts(3000, 3)))

	snap, _ := store.Get("buoy")
	assert.True(t, snap.Timestamped)
	assert.Equal(t, uint64(5000), snap.LastAppliedSequence)
	assert.Equal(t, 5.0, snap.Fields["lat"])
	assert.Equal(t, 0, r.Buffered("buoy"))
}

func TestReconciler_StaleWarmStartReplacedBySameSequenceSnapshot(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, Options{})
	store.Load([]state.Snapshot{{EntityID: "boat", LastAppliedSequence: 4, Fields: map[string]any{"lat": 0.0}}})

	out := r.Apply(wire.Event{EntityID: "boat", Type: wire.EventSnapshot, Sequence: 4, Fields: map[string]any{"lat": 4.0}})
	assert.Equal(t, OutcomeApplied, out)
	snap, _ := store.Get("boat")
	assert.False(t, snap.Stale)
	assert.Equal(t, 4.0, snap.Fields["lat"])
}

func TestReconciler_EchoRecordsIntent(t *testing.T) {
	r, store, _, _ := newTestReconciler(t, Options{})
	e := update("boat", 1, map[string]any{"armed": true})
	e.ClientIntentID = "intent-1"
	r.Apply(e)
	r.Apply(e)

	snap, _ := store.Get("boat")
	assert.Equal(t, "intent-1", snap.LastIntentID)
	assert.Equal(t, uint64(1), r.Stats().Applied)
}

func TestReconciler_RemoveSkipsGap(t *testing.T) {
	r, store, rs, _ := newTestReconciler(t, Options{})
	r.Apply(update("boat", 1, map[string]any{"lat": 1.0}))
	r.Apply(update("boat", 3, map[string]any{"lat": 3.0}))
	require.Equal(t, 1, r.Buffered("boat"))

	assert.Equal(t, OutcomeApplied, r.Apply(wire.Event{EntityID: "boat", Type: wire.EventRemove, Sequence: 5}))
	snap, _ := store.Get("boat")
	assert.True(t, snap.Removed)
	assert.Equal(t, uint64(5), snap.LastAppliedSequence)
	assert.Equal(t, 0, r.Buffered("boat"), "events behind the tombstone are dropped")
	assert.Empty(t, rs.requests)

	assert.Equal(t, OutcomeDiscarded, r.Apply(update("boat", 4, nil)))
}
