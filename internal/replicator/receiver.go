package replicator

import (
	"fmt"
	"sort"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/protocol"
	"netstate.dev/internal/replication/delta"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/snapshot"
)

// world is the set of objects a client holds at one tick. Value slices are
// shared between ticks and cloned before they are modified.
type world map[uint32]*snapshot.State

// Receiver is the client side of the pipeline: it keeps the decoded world
// for every tick a future frame may use as its baseline.
type Receiver struct {
	reg *schema.Registry
	// MaxHistory bounds the kept worlds; 0 means 128.
	MaxHistory int

	worlds map[uint32]world
	latest uint32
}

func NewReceiver(reg *schema.Registry) *Receiver {
	return &Receiver{reg: reg, worlds: map[uint32]world{0: {}}}
}

// Apply decodes a frame onto the world at its baseline tick. The caller
// acknowledges h.Tick once Apply succeeds.
func (r *Receiver) Apply(data []byte, nbits int) (protocol.FrameHeader, error) {
	rd := bitbuf.NewReader(data, nbits)
	h, err := protocol.ReadFrameHeader(rd)
	if err != nil {
		return h, err
	}
	base, ok := r.worlds[h.BaselineTick]
	if !ok {
		return h, fmt.Errorf("frame %d: baseline tick %d not held", h.Tick, h.BaselineTick)
	}

	next := make(world, len(base))
	for id, st := range base {
		// Unmentioned objects are unchanged as of h.Tick, tick-relative
		// offsets included.
		if st.Tick != h.Tick {
			carried := *st
			carried.Tick = h.Tick
			st = &carried
		}
		next[id] = st
	}
	for i := 0; i < int(h.Objects); i++ {
		oh, err := protocol.ReadObjectHeader(rd)
		if err != nil {
			return h, fmt.Errorf("frame %d object %d: %w", h.Tick, i, err)
		}
		id := uint32(oh.ID)
		var st *snapshot.State
		switch oh.Kind {
		case protocol.ObjectLeave:
			delete(next, id)
			continue
		case protocol.ObjectCreate:
			flat, ok := r.reg.FlatByID(oh.Table)
			if !ok {
				return h, fmt.Errorf("frame %d object %d: unknown table %d", h.Tick, id, oh.Table)
			}
			st = snapshot.NewState(flat)
		case protocol.ObjectDelta:
			old, ok := next[id]
			if !ok {
				return h, fmt.Errorf("frame %d object %d: delta for unknown object", h.Tick, id)
			}
			st = old.Clone()
		}
		if _, err := delta.ApplyDelta(rd, st, h.Tick); err != nil {
			return h, fmt.Errorf("frame %d object %d: %w", h.Tick, id, err)
		}
		next[id] = st
	}
	if rd.Remaining() >= 8 {
		return h, fmt.Errorf("frame %d: %d trailing bits", h.Tick, rd.Remaining())
	}

	r.worlds[h.Tick] = next
	if h.Tick > r.latest {
		r.latest = h.Tick
	}
	r.prune(h.BaselineTick)
	return h, nil
}

// prune drops worlds no later frame can reference: older than the newest
// baseline the server used, or beyond the history bound. The baseline
// itself is always kept; a client that stops acking keeps receiving frames
// against it.
func (r *Receiver) prune(baseline uint32) {
	limit := r.MaxHistory
	if limit <= 0 {
		limit = 128
	}
	for t := range r.worlds {
		if t < baseline {
			delete(r.worlds, t)
		}
	}
	if len(r.worlds) <= limit {
		return
	}
	ticks := make([]uint32, 0, len(r.worlds))
	for t := range r.worlds {
		if t != baseline {
			ticks = append(ticks, t)
		}
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	for _, t := range ticks[:len(r.worlds)-limit] {
		delete(r.worlds, t)
	}
}

// Held reports whether the world at tick is still kept.
func (r *Receiver) Held(tick uint32) bool {
	_, ok := r.worlds[tick]
	return ok
}

// Latest is the newest tick applied.
func (r *Receiver) Latest() uint32 { return r.latest }

// Objects lists the ids held at the latest tick.
func (r *Receiver) Objects() []uint32 {
	w := r.worlds[r.latest]
	out := make([]uint32, 0, len(w))
	for id := range w {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State returns object id as of the latest tick.
func (r *Receiver) State(id uint32) (*snapshot.State, bool) {
	st, ok := r.worlds[r.latest][id]
	return st, ok
}
