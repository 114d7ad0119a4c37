// Package protocol frames application payloads into runs of segments and
// reassembles them on the way back.
//
// A payload of length L becomes max(1, ceil(L/capacity)) segments. Every
// segment of a run except the last carries the more-fragments flag. The run
// takes a contiguous block of sequence numbers reserved in one step, so two
// concurrent senders never interleave their segments; the queue engine then
// delivers in sequence order and reassembly is plain concatenation.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/risa-org/linkpool/segment"
)

// ErrProtocol wraps malformed input read from a link.
var ErrProtocol = errors.New("protocol error")

// Codec is the framing/reassembly stage between the core and the queues.
type Codec struct {
	pool   *segment.Pool
	queues *segment.Queues
	log    *zap.Logger

	mu          sync.Mutex
	nextData    uint32
	nextControl uint32
}

// NewCodec builds a codec over the given pool and queues.
func NewCodec(pool *segment.Pool, queues *segment.Queues, log *zap.Logger) *Codec {
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{pool: pool, queues: queues, log: log.Named("codec")}
}

// Reserve hands out n contiguous sequence numbers from the data or control
// counter and returns the first one.
func (c *Codec) Reserve(n uint32, control bool) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if control {
		first := c.nextControl
		c.nextControl += n
		return first
	}
	first := c.nextData
	c.nextData += n
	return first
}

// Reset puts both reservation counters back to zero. It must go together
// with a reset of the queues.
func (c *Codec) Reset() {
	c.mu.Lock()
	c.nextData, c.nextControl = 0, 0
	c.mu.Unlock()
}

// SegmentCount is the number of segments a payload of length l is split into.
func SegmentCount(l, capacity int) int {
	if l == 0 {
		return 1
	}
	return (l + capacity - 1) / capacity
}

// Send frames payload and enqueues the run on the data or control send queue.
// It returns len(payload); it never blocks on the network.
func (c *Codec) Send(payload []byte, control bool) (int, error) {
	capacity := c.pool.Capacity()
	n := SegmentCount(len(payload), capacity)

	qt := segment.SendData
	if control {
		qt = segment.SendControl
	}

	seq := c.Reserve(uint32(n), control)
	offset := 0
	for i := 0; i < n; i++ {
		s := c.pool.Get()
		s.Seq = seq + uint32(i)
		offset += s.SetPayload(payload[offset:])
		if offset < len(payload) {
			s.Flags |= segment.FlagMoreFragments
		}
		if control {
			s.Flags |= segment.FlagControl
		}
		c.queues.Enqueue(qt, s)
	}

	c.log.Debug("payload framed",
		zap.Int("len", len(payload)), zap.Int("segments", n), zap.Uint32("first_seq", seq), zap.Bool("control", control))
	return len(payload), nil
}

// Receive blocks until a whole run is available on the data or control
// receive queue and returns the reassembled payload.
func (c *Codec) Receive(control bool) ([]byte, error) {
	qt := segment.RecvData
	if control {
		qt = segment.RecvControl
	}

	var out []byte
	for {
		s, err := c.queues.Dequeue(qt)
		if err != nil {
			return nil, err
		}
		out = append(out, s.Payload...)
		more := s.MoreFragments()
		s.Release()
		if !more {
			break
		}
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// WriteSegment writes header and payload to w in a single Write call, so
// message-oriented links see one segment per message.
func WriteSegment(w io.Writer, s *segment.Segment) error {
	buf, _ := s.MarshalBinary()
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadSegment reads one segment from r into a buffer taken from pool.
// A header announcing more than the pool's capacity is a protocol error.
func ReadSegment(r io.Reader, pool *segment.Pool) (*segment.Segment, error) {
	var h [segment.HeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	seq, flags, length := segment.DecodeHeader(h[:])
	if length > pool.Capacity() {
		return nil, fmt.Errorf("%w: segment %d announces %d bytes, capacity %d: %w",
			ErrProtocol, seq, length, pool.Capacity(), segment.ErrTooLarge)
	}

	s := pool.Get()
	s.Seq = seq
	s.Flags = flags
	s.Payload = s.Payload[:length]
	if _, err := io.ReadFull(r, s.Payload); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}
