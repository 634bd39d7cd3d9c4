package channel

import (
	"context"
	"sync"

	"syncClient/backend/internal/wire"
)

type Signal int

const (
	SignalNone Signal = iota
	// ResyncRequested 每次进入 Connected 恰好发出一次
	ResyncRequested
)

func (s Signal) String() string {
	if s == ResyncRequested {
		return "resync_requested"
	}
	return "none"
}

// Inbound is one element of the inbound sequence: either a decoded frame or a
// signal produced by the manager itself.
type Inbound struct {
	Frame  wire.Frame
	Signal Signal
	// Cycle 连接周期编号，从 1 开始
	Cycle uint64
}

// inboundQueue is an unbounded FIFO. The reader never blocks on a slow
// consumer; the buffered signal channel coalesces wakeups.
type inboundQueue struct {
	mu     sync.Mutex
	items  []Inbound
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{
		items:  make([]Inbound, 0, 64),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *inboundQueue) push(in Inbound) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, in)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *inboundQueue) tryPop() (Inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Inbound{}, false
	}
	in := q.items[0]
	// 置空，避免底层数组持有 frame 指针
	q.items[0] = Inbound{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return in, true
}

// pop waits for the next element. After close it drains what is left and then
// returns ErrClosed.
func (q *inboundQueue) pop(ctx context.Context) (Inbound, error) {
	for {
		if in, ok := q.tryPop(); ok {
			return in, nil
		}
		select {
		case <-ctx.Done():
			return Inbound{}, ctx.Err()
		case <-q.done:
			if in, ok := q.tryPop(); ok {
				return in, nil
			}
			return Inbound{}, ErrClosed
		case <-q.signal:
		}
	}
}

func (q *inboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
