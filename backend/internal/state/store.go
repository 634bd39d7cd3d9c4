// Package state holds the authoritative in-memory entity model. There is a
// single writer (the reconciler); readers see immutable published views and
// never lock against the writer.
package state

import (
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is the point-in-time state of one entity.
type Snapshot struct {
	EntityID            string `json:"entityId"`
	LastAppliedSequence uint64 `json:"lastAppliedSequence"`
	// Timestamped 表示 LastAppliedSequence 是服务端时间戳而不是序号
	Timestamped  bool           `json:"timestamped,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
	Removed      bool           `json:"removed,omitempty"`
	Stale        bool           `json:"stale,omitempty"`
	LastIntentID string         `json:"lastIntentId,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (s Snapshot) clone() Snapshot {
	s.Fields = maps.Clone(s.Fields)
	return s
}

// Change is delivered to subscribers whenever an entity's published snapshot changes.
type Change struct {
	EntityID string   `json:"entityId"`
	Snapshot Snapshot `json:"snapshot"`
}

type view map[string]Snapshot

type Store struct {
	published atomic.Pointer[view]

	// 写端串行化；正常情况下只有 reconciler 一个写者
	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

func NewStore() *Store {
	s := &Store{subs: make(map[*Subscription]struct{})}
	empty := view{}
	s.published.Store(&empty)
	return s
}

func (s *Store) current() view { return *s.published.Load() }

// Get returns a copy of the entity's snapshot.
func (s *Store) Get(entityID string) (Snapshot, bool) {
	snap, ok := s.current()[entityID]
	if !ok {
		return Snapshot{}, false
	}
	return snap.clone(), true
}

// All returns copies of every snapshot ordered by entity id.
func (s *Store) All() []Snapshot {
	v := s.current()
	out := make([]Snapshot, 0, len(v))
	for _, snap := range v {
		out = append(out, snap.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (s *Store) Len() int { return len(s.current()) }

// Put publishes new snapshots. The store takes its own copy of the fields,
// callers may keep mutating theirs.
func (s *Store) Put(snaps ...Snapshot) {
	if len(snaps) == 0 {
		return
	}
	s.writeMu.Lock()
	old := s.current()
	next := make(view, len(old)+len(snaps))
	maps.Copy(next, old)
	for _, snap := range snaps {
		next[snap.EntityID] = snap.clone()
	}
	s.published.Store(&next)
	s.writeMu.Unlock()

	for _, snap := range snaps {
		s.notify(Change{EntityID: snap.EntityID, Snapshot: next[snap.EntityID]})
	}
}

// Load seeds snapshots from a previous run. They are marked stale and never
// replace an entity that is already known.
func (s *Store) Load(snaps []Snapshot) int {
	s.writeMu.Lock()
	old := s.current()
	next := make(view, len(old)+len(snaps))
	maps.Copy(next, old)
	var loaded []string
	for _, snap := range snaps {
		if snap.EntityID == "" {
			continue
		}
		if _, exists := next[snap.EntityID]; exists {
			continue
		}
		snap = snap.clone()
		snap.Stale = true
		next[snap.EntityID] = snap
		loaded = append(loaded, snap.EntityID)
	}
	s.published.Store(&next)
	s.writeMu.Unlock()

	for _, id := range loaded {
		s.notify(Change{EntityID: id, Snapshot: next[id]})
	}
	return len(loaded)
}

// Subscribe streams changes of one entity, or of every entity when entityID is empty.
func (s *Store) Subscribe(entityID string) *Subscription {
	sub := newSubscription(s, entityID)
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.subMu.Lock()
	delete(s.subs, sub)
	s.subMu.Unlock()
}

func (s *Store) notify(c Change) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for sub := range s.subs {
		if sub.entityID == "" || sub.entityID == c.EntityID {
			sub.offer(c)
		}
	}
}
