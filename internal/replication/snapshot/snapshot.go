// Package snapshot encodes object state into immutable, reference-counted bit
// buffers and tracks which of them each client has acknowledged.
package snapshot

import (
	"fmt"
	"sync"
	"sync/atomic"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/bitset"
	"netstate.dev/internal/replication/propindex"
	"netstate.dev/internal/replication/schema"
)

// Extra is metadata carried beside the encoded bits.
type Extra struct {
	CreatedTick uint32
	// Recipients[node] holds the clients the proxy node was visible to when
	// the snapshot was encoded. Node 0 is visible to everyone and stays empty.
	Recipients []bitset.Set
}

// Visible reports whether client could see node at encode time.
func (e *Extra) Visible(client, node int) bool {
	if node == 0 {
		return true
	}
	if e == nil || node >= len(e.Recipients) {
		return false
	}
	return e.Recipients[node].Has(client)
}

// Snapshot is one object's encoded state at one tick. It is never modified
// after encoding; holders share it through Retain and Release.
type Snapshot struct {
	flat    *schema.Flat
	tick    uint32
	data    []byte
	bits    int
	entries int
	extra   *Extra

	refs atomic.Int32
	pool *Pool
	buf  *[]byte
}

// FromBytes wraps an already encoded record. The snapshot starts with one
// reference and is not pooled.
func FromBytes(flat *schema.Flat, tick uint32, data []byte, nbits int) *Snapshot {
	s := &Snapshot{flat: flat, tick: tick, data: data, bits: nbits, entries: -1}
	s.refs.Store(1)
	return s
}

func (s *Snapshot) Flat() *schema.Flat { return s.flat }
func (s *Snapshot) Tick() uint32       { return s.tick }
func (s *Snapshot) Bytes() []byte      { return s.data }
func (s *Snapshot) Bits() int          { return s.bits }
func (s *Snapshot) Extra() *Extra      { return s.extra }
func (s *Snapshot) Refs() int32        { return s.refs.Load() }

// Entries is the number of encoded leaves, or -1 when unknown.
func (s *Snapshot) Entries() int { return s.entries }

// Reader returns a fresh cursor over the encoded bits.
func (s *Snapshot) Reader() *bitbuf.Reader { return bitbuf.NewReader(s.data, s.bits) }

// Indices returns a fresh index-stream reader over the snapshot.
func (s *Snapshot) Indices() *propindex.Reader {
	return propindex.NewReader(s.Reader(), s.flat)
}

// Retain adds a holder and returns s for chaining.
func (s *Snapshot) Retain() *Snapshot {
	if s.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("snapshot: retain of released %s@%d", s.flat.Name(), s.tick))
	}
	return s
}

// Release drops a holder. The last release returns the buffer to its pool.
func (s *Snapshot) Release() {
	switch n := s.refs.Add(-1); {
	case n == 0:
		if s.pool != nil {
			s.pool.put(s.buf)
		}
		s.data = nil
		s.buf = nil
	case n < 0:
		panic(fmt.Sprintf("snapshot: release of released %s@%d", s.flat.Name(), s.tick))
	}
}

// Pool recycles encode buffers.
type Pool struct {
	bufs sync.Pool
	live atomic.Int64
}

func NewPool() *Pool {
	p := &Pool{}
	p.bufs.New = func() any {
		b := make([]byte, 0, 256)
		return &b
	}
	return p
}

func (p *Pool) get() *[]byte {
	p.live.Add(1)
	return p.bufs.Get().(*[]byte)
}

func (p *Pool) put(b *[]byte) {
	if b == nil {
		return
	}
	p.live.Add(-1)
	*b = (*b)[:0]
	p.bufs.Put(b)
}

// Live is the number of pooled buffers held by unreleased snapshots.
func (p *Pool) Live() int64 { return p.live.Load() }
