package segment

import (
	"fmt"
	"sync"
)

// Default free-list watermarks. Once more than DefaultFreeHigh buffers sit idle
// the list is trimmed back down to DefaultFreeLow.
const (
	DefaultFreeHigh = 256
	DefaultFreeLow  = 128
)

// PoolStats is a point-in-time view of a Pool, used by metrics and tests.
type PoolStats struct {
	Free      int    // buffers currently idle in the free list
	Allocated uint64 // buffers created fresh over the pool's lifetime
	Reused    uint64 // Get calls served from the free list
	Trimmed   uint64 // buffers dropped by watermark trimming
}

// Pool hands out fixed-capacity segments and takes them back for reuse.
// A released segment goes onto a free list; the list is bounded by a
// high/low watermark pair so idle memory stays capped without making
// every Get hit the allocator.
type Pool struct {
	capacity int
	high     int
	low      int

	mu    sync.Mutex
	free  []*Segment
	stats PoolStats
}

// NewPool creates a pool of segments with the given payload capacity.
// high and low are the free-list watermarks; low must not exceed high.
func NewPool(capacity, high, low int) (*Pool, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("invalid segment capacity %d: must be in [1, %d]", capacity, MaxCapacity)
	}
	if high < 0 || low < 0 || low > high {
		return nil, fmt.Errorf("invalid free-list watermarks high=%d low=%d", high, low)
	}
	return &Pool{
		capacity: capacity,
		high:     high,
		low:      low,
		free:     make([]*Segment, 0, high+1),
	}, nil
}

// MustNewPool is NewPool for static configurations; it panics on bad arguments.
func MustNewPool(capacity, high, low int) *Pool {
	p, err := NewPool(capacity, high, low)
	if err != nil {
		panic(err)
	}
	return p
}

// Capacity returns the payload capacity of every segment from this pool.
func (p *Pool) Capacity() int { return p.capacity }

// Get returns a zeroed segment owned by the caller until Release.
// There is no error return: running out of memory for segment buffers
// aborts the process through the runtime, there is no degraded mode.
func (p *Pool) Get() *Segment {
	p.mu.Lock()
	var s *Segment
	if n := len(p.free); n > 0 {
		s = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.stats.Reused++
	} else {
		s = &Segment{buf: make([]byte, p.capacity)}
		p.stats.Allocated++
	}
	p.mu.Unlock()

	s.Seq = 0
	s.Flags = 0
	s.Payload = s.buf[:0]
	s.pool = p
	return s
}

func (p *Pool) put(s *Segment) {
	s.Payload = nil
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, s)
	if len(p.free) > p.high {
		// trim the oldest entries, keeping the most recently used buffers warm
		drop := len(p.free) - p.low
		for i := 0; i < drop; i++ {
			p.free[i] = nil
		}
		p.free = append(p.free[:0], p.free[drop:]...)
		p.stats.Trimmed += uint64(drop)
	}
}

// Drain empties the free list entirely. Used on teardown.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.free {
		p.free[i] = nil
	}
	p.stats.Trimmed += uint64(len(p.free))
	p.free = p.free[:0]
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Free = len(p.free)
	return st
}
