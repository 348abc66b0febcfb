package snapshot

import (
	"sort"
	"sync"

	"netstate.dev/internal/replication/bitset"
)

// Store holds the most recent snapshot of every live object.
type Store struct {
	mu      sync.RWMutex
	current map[uint32]*Snapshot
}

func NewStore() *Store {
	return &Store{current: map[uint32]*Snapshot{}}
}

// Put installs snap as the current snapshot of id, taking over the caller's
// reference. The previous snapshot's slot reference is released.
func (s *Store) Put(id uint32, snap *Snapshot) {
	s.mu.Lock()
	old := s.current[id]
	s.current[id] = snap
	s.mu.Unlock()
	if old != nil {
		old.Release()
	}
}

// Current returns a retained handle to the latest snapshot of id. The caller
// must Release it.
func (s *Store) Current(id uint32) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.current[id]
	if !ok {
		return nil, false
	}
	return snap.Retain(), true
}

// Remove drops the object's slot.
func (s *Store) Remove(id uint32) bool {
	s.mu.Lock()
	old, ok := s.current[id]
	delete(s.current, id)
	s.mu.Unlock()
	if ok {
		old.Release()
	}
	return ok
}

// IDs lists live objects in ascending order.
func (s *Store) IDs() []uint32 {
	s.mu.RLock()
	out := make([]uint32, 0, len(s.current))
	for id := range s.current {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.current)
}

// Close releases every slot.
func (s *Store) Close() {
	s.mu.Lock()
	cur := s.current
	s.current = map[uint32]*Snapshot{}
	s.mu.Unlock()
	for _, snap := range cur {
		snap.Release()
	}
}

// Baseline is what a client holds for one object.
type Baseline struct {
	Snap *Snapshot
	// Vis is the proxy visibility the client was sent with Snap.
	Vis bitset.Set
}

type sentFrame struct {
	tick    uint32
	objects map[uint32]Baseline
}

// Baselines tracks one client's acknowledged and in-flight snapshots. It is
// owned by a single goroutine at a time and does no locking.
type Baselines struct {
	ackTick uint32
	acked   map[uint32]Baseline
	pending []sentFrame
	// MaxPending bounds unacknowledged frames; the oldest is dropped first.
	MaxPending int
}

func NewBaselines(maxPending int) *Baselines {
	return &Baselines{acked: map[uint32]Baseline{}, MaxPending: maxPending}
}

// AckTick is the tick of the last acknowledged frame, 0 before any ack.
func (b *Baselines) AckTick() uint32 { return b.ackTick }

// Acked returns the acknowledged baseline of id. The snapshot is borrowed.
func (b *Baselines) Acked(id uint32) (Baseline, bool) {
	bl, ok := b.acked[id]
	return bl, ok
}

// AckedIDs lists objects the client holds, ascending.
func (b *Baselines) AckedIDs() []uint32 {
	out := make([]uint32, 0, len(b.acked))
	for id := range b.acked {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sent records a frame sent at tick. Every snapshot in objects gains a
// reference; objects missing from the map are gone once the frame is acked.
func (b *Baselines) Sent(tick uint32, objects map[uint32]Baseline) {
	for _, bl := range objects {
		bl.Snap.Retain()
	}
	b.pending = append(b.pending, sentFrame{tick: tick, objects: objects})
	if b.MaxPending > 0 && len(b.pending) > b.MaxPending {
		b.releaseFrame(b.pending[0])
		b.pending = b.pending[1:]
	}
}

// Pending is the number of unacknowledged frames.
func (b *Baselines) Pending() int { return len(b.pending) }

// Ack promotes the frame sent at tick to the acknowledged baseline and drops
// every older in-flight frame. Unknown or stale ticks are ignored.
func (b *Baselines) Ack(tick uint32) bool {
	at := -1
	for i, f := range b.pending {
		if f.tick == tick {
			at = i
			break
		}
	}
	if at < 0 {
		return false
	}
	for _, f := range b.pending[:at] {
		b.releaseFrame(f)
	}
	frame := b.pending[at]
	b.pending = append(b.pending[:0], b.pending[at+1:]...)

	for _, bl := range b.acked {
		bl.Snap.Release()
	}
	b.acked = frame.objects
	b.ackTick = tick
	return true
}

func (b *Baselines) releaseFrame(f sentFrame) {
	for _, bl := range f.objects {
		bl.Snap.Release()
	}
}

// Release drops every reference the client holds.
func (b *Baselines) Release() {
	for _, f := range b.pending {
		b.releaseFrame(f)
	}
	b.pending = nil
	for _, bl := range b.acked {
		bl.Snap.Release()
	}
	b.acked = map[uint32]Baseline{}
	b.ackTick = 0
}
