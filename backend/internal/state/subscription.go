package state

import (
	"context"
	"errors"
	"iter"
	"sync"
)

var ErrSubscriptionClosed = errors.New("SUBSCRIPTION_CLOSED")

// Subscription is a live, infinite sequence of changes until Close.
//
// Pending changes are conflated per entity: a reader that falls behind gets
// the latest snapshot of each entity it missed, in first-changed order. The
// writer never waits on a reader.
type Subscription struct {
	store    *Store
	entityID string

	mu      sync.Mutex
	pending map[string]Change
	order   []string
	closed  bool

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(s *Store, entityID string) *Subscription {
	return &Subscription{
		store:    s,
		entityID: entityID,
		pending:  make(map[string]Change),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Subscription) offer(c Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, queued := s.pending[c.EntityID]; !queued {
		s.order = append(s.order, c.EntityID)
	}
	s.pending[c.EntityID] = c
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return Change{}, false
	}
	id := s.order[0]
	s.order[0] = ""
	s.order = s.order[1:]
	c := s.pending[id]
	delete(s.pending, id)
	c.Snapshot = c.Snapshot.clone()
	return c, true
}

// Next blocks until a change is available, the context ends, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Change, error) {
	for {
		if c, ok := s.pop(); ok {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-s.done:
			return Change{}, ErrSubscriptionClosed
		case <-s.signal:
		}
	}
}

// Changes adapts Next to a range-over-func sequence that ends on ctx or Close.
func (s *Subscription) Changes(ctx context.Context) iter.Seq[Change] {
	return func(yield func(Change) bool) {
		for {
			c, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(c) {
				return
			}
		}
	}
}

// Pending returns the number of conflated changes waiting to be read.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.store.unsubscribe(s)
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.order = nil
		s.mu.Unlock()
		close(s.done)
	})
}
