// Package ring implements the fixed-capacity frame ring shared between one
// producer goroutine (a CAN or link receive loop) and one consumer goroutine
// (the periodic scheduler).
package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/kstaniek/can-relay/internal/can"
)

// DefaultCapacity holds a little over five full relay payloads
// (115 slots, 114 usable).
const DefaultCapacity = 115

// FrameQueue is a lock-free single-producer/single-consumer ring of CAN frames.
//
// One slot is always left empty so that head == tail means empty and
// head+1 == tail means full; no shared counter is kept. head is written only
// by the producer and tail only by the consumer. The atomic store of an index
// publishes the slot write/read that preceded it.
//
// The zero value is an unusable queue: pushes fail and pops return nothing.
type FrameQueue struct {
	slots   []can.Frame
	head    atomic.Uint32 // next write index
	tail    atomic.Uint32 // next read index
	dropped atomic.Uint64
}

// NewFrameQueue allocates a queue with the given number of slots.
// The queue holds at most capacity-1 frames.
func NewFrameQueue(capacity int) (*FrameQueue, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("ring: capacity must be >= 2 (got %d)", capacity)
	}
	return &FrameQueue{slots: make([]can.Frame, capacity)}, nil
}

// MustFrameQueue is NewFrameQueue that panics on a bad capacity.
func MustFrameQueue(capacity int) *FrameQueue {
	q, err := NewFrameQueue(capacity)
	if err != nil {
		panic(err)
	}
	return q
}

func (q *FrameQueue) next(i uint32) uint32 {
	i++
	if i == uint32(len(q.slots)) {
		return 0
	}
	return i
}

// TryPush appends f and reports whether it was stored. A full queue, an
// uninitialised queue or a frame with DLC > 8 leaves the queue untouched and
// returns false. Producer side only.
func (q *FrameQueue) TryPush(f can.Frame) bool {
	if q == nil || len(q.slots) == 0 {
		return false
	}
	if f.DLC > can.MaxDLC {
		return false
	}
	head := q.head.Load() // own index
	next := q.next(head)
	if next == q.tail.Load() {
		q.dropped.Add(1)
		return false
	}
	q.slots[head] = f
	q.head.Store(next)
	return true
}

// TryPop removes the oldest frame. Consumer side only.
func (q *FrameQueue) TryPop() (can.Frame, bool) {
	if q == nil || len(q.slots) == 0 {
		return can.Frame{}, false
	}
	tail := q.tail.Load() // own index
	if q.head.Load() == tail {
		return can.Frame{}, false
	}
	f := q.slots[tail]
	q.tail.Store(q.next(tail))
	return f, true
}

// AppendUpTo pops at most n frames and appends them to dst.
// It never allocates when dst has room for n frames. Consumer side only.
func (q *FrameQueue) AppendUpTo(dst []can.Frame, n int) []can.Frame {
	for i := 0; i < n; i++ {
		f, ok := q.TryPop()
		if !ok {
			break
		}
		dst = append(dst, f)
	}
	return dst
}

// DrainUpTo pops at most n frames in FIFO order.
func (q *FrameQueue) DrainUpTo(n int) []can.Frame {
	if n <= 0 {
		return nil
	}
	return q.AppendUpTo(make([]can.Frame, 0, min(n, q.Len())), n)
}

// Len returns the number of pending frames. It is exact only when called
// from the producer or the consumer; elsewhere it is a snapshot.
func (q *FrameQueue) Len() int {
	if q == nil || len(q.slots) == 0 {
		return 0
	}
	head, tail := int(q.head.Load()), int(q.tail.Load())
	if head >= tail {
		return head - tail
	}
	return len(q.slots) - tail + head
}

// Cap returns the usable capacity (slots - 1).
func (q *FrameQueue) Cap() int {
	if q == nil || len(q.slots) == 0 {
		return 0
	}
	return len(q.slots) - 1
}

// Dropped returns how many frames were rejected because the queue was full.
func (q *FrameQueue) Dropped() uint64 {
	if q == nil {
		return 0
	}
	return q.dropped.Load()
}
