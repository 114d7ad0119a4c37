package segment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Dequeue once the queues have been closed.
var ErrClosed = errors.New("segment queues closed")

// QueueType selects one of the four ordered queues.
// Each has its own sequence counter.
type QueueType int

const (
	SendData QueueType = iota
	SendControl
	RecvData
	RecvControl

	numQueues
)

func (qt QueueType) String() string {
	switch qt {
	case SendData:
		return "send-data"
	case SendControl:
		return "send-control"
	case RecvData:
		return "recv-data"
	case RecvControl:
		return "recv-control"
	default:
		return fmt.Sprintf("queue(%d)", int(qt))
	}
}

// AllQueues lists every queue type, in declaration order.
var AllQueues = []QueueType{SendData, SendControl, RecvData, RecvControl}

// Verdict is what Enqueue decided to do with a segment.
type Verdict int

const (
	Deliver        Verdict = iota // appended to the delivery list, maybe drained pending too
	DeliverPending                // ahead of next expected, parked in the pending list
	DropDuplicate                 // already delivered or already pending, discarded
)

func (v Verdict) String() string {
	switch v {
	case Deliver:
		return "deliver"
	case DeliverPending:
		return "pending"
	case DropDuplicate:
		return "drop-duplicate"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// queue is one ordered queue: an in-order delivery list, a pending list
// sorted by sequence number, and the next sequence number it expects.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	delivery []*Segment
	pending  []*Segment
	next     uint32
	closed   bool
	dropped  uint64
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Queues is the queue engine shared by the codec and the link workers.
type Queues struct {
	qs  [numQueues]*queue
	log *zap.Logger
}

// NewQueues creates the four empty queues, each expecting sequence 0 first.
func NewQueues(log *zap.Logger) *Queues {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queues{log: log.Named("segment")}
	for i := range q.qs {
		q.qs[i] = newQueue()
	}
	return q
}

func (q *Queues) get(qt QueueType) *queue {
	if qt < 0 || qt >= numQueues {
		panic(fmt.Sprintf("segment: invalid queue type %d", int(qt)))
	}
	return q.qs[qt]
}

// Enqueue places seg into the queue according to its sequence number.
//
//   - seq == next expected: appended, then any pending segments that now
//     line up are moved behind it.
//   - seq > next expected: parked in the pending list, kept sorted.
//   - seq < next expected, or already pending: a protocol error. The segment
//     is logged, released and never delivered.
//
// One waiting consumer is woken whenever the delivery list grew.
func (q *Queues) Enqueue(qt QueueType, seg *Segment) Verdict {
	qu := q.get(qt)
	qu.mu.Lock()
	defer qu.mu.Unlock()

	var verdict Verdict
	switch {
	case seg.Seq == qu.next:
		qu.delivery = append(qu.delivery, seg)
		qu.next++
		verdict = Deliver
	case seg.Seq > qu.next:
		i := sort.Search(len(qu.pending), func(i int) bool {
			return qu.pending[i].Seq >= seg.Seq
		})
		if i < len(qu.pending) && qu.pending[i].Seq == seg.Seq {
			qu.dropped++
			q.log.Error("duplicate pending segment dropped",
				zap.Stringer("queue", qt), zap.Uint32("seq", seg.Seq))
			seg.Release()
			return DropDuplicate
		}
		qu.pending = append(qu.pending, nil)
		copy(qu.pending[i+1:], qu.pending[i:])
		qu.pending[i] = seg
		return DeliverPending
	default:
		qu.dropped++
		q.log.Error("sequence error: segment already delivered",
			zap.Stringer("queue", qt), zap.Uint32("seq", seg.Seq), zap.Uint32("expected", qu.next))
		seg.Release()
		return DropDuplicate
	}

	// drain pending heads that now match
	n := 0
	for n < len(qu.pending) && qu.pending[n].Seq == qu.next {
		qu.delivery = append(qu.delivery, qu.pending[n])
		qu.pending[n] = nil
		qu.next++
		n++
	}
	if n > 0 {
		qu.pending = qu.pending[n:]
	}

	qu.cond.Signal()
	return verdict
}

// Dequeue blocks until the delivery list is non-empty and pops its head.
// Only one consumer per queue type is assumed for ordering guarantees.
func (q *Queues) Dequeue(qt QueueType) (*Segment, error) {
	return q.DequeueContext(context.Background(), qt)
}

// DequeueContext is Dequeue that also returns ctx.Err() once ctx ends with
// nothing to deliver. A segment already at the head is still returned.
func (q *Queues) DequeueContext(ctx context.Context, qt QueueType) (*Segment, error) {
	qu := q.get(qt)
	// the broadcast takes the lock, so it cannot slip in between the
	// ctx check below and Wait
	stop := context.AfterFunc(ctx, func() {
		qu.mu.Lock()
		qu.cond.Broadcast()
		qu.mu.Unlock()
	})
	defer stop()

	qu.mu.Lock()
	defer qu.mu.Unlock()
	for len(qu.delivery) == 0 && !qu.closed && ctx.Err() == nil {
		qu.cond.Wait()
	}
	if qu.closed {
		return nil, ErrClosed
	}
	// a Signal may have picked this waiter after ctx ended; take the
	// segment anyway so the wakeup is not lost, the caller requeues it
	if len(qu.delivery) > 0 {
		return qu.popLocked(), nil
	}
	return nil, ctx.Err()
}

// TryDequeue is the non-blocking variant of Dequeue.
func (q *Queues) TryDequeue(qt QueueType) (*Segment, bool) {
	qu := q.get(qt)
	qu.mu.Lock()
	defer qu.mu.Unlock()
	if qu.closed || len(qu.delivery) == 0 {
		return nil, false
	}
	return qu.popLocked(), true
}

func (qu *queue) popLocked() *Segment {
	seg := qu.delivery[0]
	qu.delivery[0] = nil
	qu.delivery = qu.delivery[1:]
	return seg
}

// Requeue puts a segment that was dequeued but could not be handled back at
// the head of the delivery list. Senders use it when their adapter went away
// between Dequeue and the write.
func (q *Queues) Requeue(qt QueueType, seg *Segment) {
	qu := q.get(qt)
	qu.mu.Lock()
	defer qu.mu.Unlock()
	if qu.closed {
		seg.Release()
		return
	}
	qu.delivery = append([]*Segment{seg}, qu.delivery...)
	qu.cond.Signal()
}

// Close wakes every blocked consumer; they all return ErrClosed.
func (q *Queues) Close() {
	for _, qu := range q.qs {
		qu.mu.Lock()
		qu.closed = true
		qu.cond.Broadcast()
		qu.mu.Unlock()
	}
}

// Reset releases everything still queued or pending and reopens the queues
// with every counter back at zero.
func (q *Queues) Reset() {
	for _, qu := range q.qs {
		qu.mu.Lock()
		for _, s := range qu.delivery {
			s.Release()
		}
		for _, s := range qu.pending {
			s.Release()
		}
		qu.delivery = nil
		qu.pending = nil
		qu.next = 0
		qu.closed = false
		qu.mu.Unlock()
	}
}

// Len returns the number of segments ready for delivery.
func (q *Queues) Len(qt QueueType) int {
	qu := q.get(qt)
	qu.mu.Lock()
	defer qu.mu.Unlock()
	return len(qu.delivery)
}

// Pending returns the number of out-of-order segments waiting for a gap to fill.
func (q *Queues) Pending(qt QueueType) int {
	qu := q.get(qt)
	qu.mu.Lock()
	defer qu.mu.Unlock()
	return len(qu.pending)
}

// NextExpected returns the sequence number the queue will accept next.
func (q *Queues) NextExpected(qt QueueType) uint32 {
	qu := q.get(qt)
	qu.mu.Lock()
	defer qu.mu.Unlock()
	return qu.next
}

// Dropped returns how many segments this queue rejected as protocol errors.
func (q *Queues) Dropped(qt QueueType) uint64 {
	qu := q.get(qt)
	qu.mu.Lock()
	defer qu.mu.Unlock()
	return qu.dropped
}
