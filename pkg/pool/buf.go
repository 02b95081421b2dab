package pool

import (
	"sync"

	"github.com/miekg/dns"
)

// bufShards are sync.Pool buckets keyed by a rounded-up capacity, so that a
// 60-byte DNS query and a 4096-byte TCP frame don't fight over the same
// pool of oversized slices.
var bufShards = []struct {
	size int
	pool sync.Pool
}{
	{size: 512},
	{size: 1232}, // common EDNS0 UDP payload size
	{size: 4096},
	{size: 65535}, // max RFC 7766 frame
}

// Buf is a pooled byte slice. Release must be called exactly once when the
// caller is done with it.
type Buf struct {
	shard int
	b     []byte
}

// Bytes returns the buffer sized to the capacity requested from GetBuf.
func (b *Buf) Bytes() []byte {
	return b.b
}

// AllBytes returns the buffer at its full underlying capacity, useful for
// read loops that don't know the final size in advance.
func (b *Buf) AllBytes() []byte {
	return b.b[:cap(b.b)]
}

// Release returns the buffer to its shard pool.
func (b *Buf) Release() {
	if b == nil || b.shard < 0 {
		return
	}
	bufShards[b.shard].pool.Put(b.b[:cap(b.b)]) //nolint:staticcheck
}

// GetBuf returns a pooled buffer with length n, backed by a shard whose
// capacity is at least n. Buffers larger than the biggest shard are
// allocated fresh and are not pooled on Release.
func GetBuf(n int) *Buf {
	for i := range bufShards {
		s := &bufShards[i]
		if n <= s.size {
			v := s.pool.Get()
			var raw []byte
			if v == nil {
				raw = make([]byte, s.size)
			} else {
				raw = v.([]byte)
			}
			return &Buf{shard: i, b: raw[:n]}
		}
	}
	return &Buf{shard: -1, b: make([]byte, n)}
}

// PackBuffer packs m into a pooled buffer sized exactly to the packed
// length. The caller must call buf.Release() once done with wire.
func PackBuffer(m *dns.Msg) (wire []byte, buf *Buf, err error) {
	packed, err := m.Pack()
	if err != nil {
		return nil, nil, err
	}
	b := GetBuf(len(packed))
	copy(b.Bytes(), packed)
	return b.Bytes(), b, nil
}
