package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the on-wire size of a segment header.
//
//	[4 bytes: seq uint32 big-endian][4 bytes: flags<<16 | payload length, big-endian]
const HeaderSize = 8

// MaxCapacity is the largest payload a single segment can carry.
// The length shares a word with the flags and only gets the low 16 bits.
const MaxCapacity = 0xFFFF

// DefaultCapacity is the payload size used when the config does not say otherwise.
const DefaultCapacity = 512

// ErrTooLarge is returned when a header announces more payload than the pool's capacity.
var ErrTooLarge = errors.New("segment payload exceeds capacity")

// Flags are the per-segment bits packed next to the payload length.
type Flags uint16

const (
	// FlagMoreFragments marks every segment of a run except the last one.
	FlagMoreFragments Flags = 1 << 0
	// FlagControl marks segments that belong to the control queues.
	FlagControl Flags = 1 << 1
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Segment is one fixed-capacity wire unit of a framed payload.
type Segment struct {
	Seq     uint32
	Flags   Flags
	Payload []byte // view into buf, len(Payload) <= cap(buf)

	buf  []byte
	pool *Pool
}

// MoreFragments reports whether another segment of the same run follows.
func (s *Segment) MoreFragments() bool { return s.Flags.Has(FlagMoreFragments) }

// IsControl reports whether the segment travels on the control queues.
func (s *Segment) IsControl() bool { return s.Flags.Has(FlagControl) }

// Capacity is the maximum payload this segment's buffer can hold.
func (s *Segment) Capacity() int { return len(s.buf) }

// SetPayload copies p into the segment's own buffer.
// Returns the number of bytes copied, which is short if p exceeds the capacity.
func (s *Segment) SetPayload(p []byte) int {
	n := copy(s.buf, p)
	s.Payload = s.buf[:n]
	return n
}

// Release hands the buffer back to the pool it came from.
// Calling it more than once is harmless; only the first call counts.
func (s *Segment) Release() {
	if s == nil || s.pool == nil {
		return
	}
	p := s.pool
	s.pool = nil
	p.put(s)
}

// Header returns the encoded 8-byte wire header for this segment.
func (s *Segment) Header() [HeaderSize]byte {
	var h [HeaderSize]byte
	EncodeHeader(h[:], s.Seq, s.Flags, len(s.Payload))
	return h
}

// MarshalBinary returns header and payload as one contiguous buffer.
func (s *Segment) MarshalBinary() ([]byte, error) {
	out := make([]byte, HeaderSize+len(s.Payload))
	EncodeHeader(out, s.Seq, s.Flags, len(s.Payload))
	copy(out[HeaderSize:], s.Payload)
	return out, nil
}

func (s *Segment) String() string {
	return fmt.Sprintf("seg{seq=%d len=%d mf=%t ctrl=%t}", s.Seq, len(s.Payload), s.MoreFragments(), s.IsControl())
}

// EncodeHeader writes seq and the packed flags/length word into dst[:8].
func EncodeHeader(dst []byte, seq uint32, flags Flags, length int) {
	binary.BigEndian.PutUint32(dst[0:4], seq)
	binary.BigEndian.PutUint32(dst[4:8], uint32(flags)<<16|uint32(length)&MaxCapacity)
}

// DecodeHeader is the inverse of EncodeHeader.
func DecodeHeader(src []byte) (seq uint32, flags Flags, length int) {
	seq = binary.BigEndian.Uint32(src[0:4])
	word := binary.BigEndian.Uint32(src[4:8])
	return seq, Flags(word >> 16), int(word & MaxCapacity)
}
