package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsBadArguments(t *testing.T) {
	_, err := NewPool(0, 10, 5)
	assert.Error(t, err)
	_, err = NewPool(MaxCapacity+1, 10, 5)
	assert.Error(t, err)
	_, err = NewPool(64, 5, 10)
	assert.Error(t, err)
}

func TestPoolReusesReleasedBuffers(t *testing.T) {
	p := MustNewPool(32, 4, 2)

	s := p.Get()
	assert.Equal(t, 32, s.Capacity())
	s.SetPayload([]byte("abc"))
	s.Seq = 9
	s.Flags = FlagMoreFragments
	s.Release()

	s2 := p.Get()
	assert.Zero(t, s2.Seq)
	assert.Zero(t, s2.Flags)
	assert.Empty(t, s2.Payload)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Allocated)
	assert.Equal(t, uint64(1), st.Reused)
}

func TestPoolTrimsToLowWatermark(t *testing.T) {
	p := MustNewPool(8, 4, 2)

	segs := make([]*Segment, 5)
	for i := range segs {
		segs[i] = p.Get()
	}
	for _, s := range segs[:4] {
		s.Release()
	}
	require.Equal(t, 4, p.Stats().Free)

	// the fifth release crosses the high mark
	segs[4].Release()
	st := p.Stats()
	assert.Equal(t, 2, st.Free)
	assert.Equal(t, uint64(3), st.Trimmed)
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	p := MustNewPool(8, 4, 2)
	s := p.Get()
	s.Release()
	s.Release()
	assert.Equal(t, 1, p.Stats().Free)
}

func TestSetPayloadTruncatesAtCapacity(t *testing.T) {
	p := MustNewPool(4, 4, 2)
	s := p.Get()
	n := s.SetPayload([]byte("abcdef"))
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("abcd"), s.Payload)
}

func TestDrain(t *testing.T) {
	p := MustNewPool(4, 4, 2)
	p.Get().Release()
	p.Get().Release()
	p.Drain()
	assert.Zero(t, p.Stats().Free)
}
