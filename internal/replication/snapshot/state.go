package snapshot

import (
	"fmt"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/propindex"
	"netstate.dev/internal/replication/schema"
)

// State is the decoded form of an object: one value per leaf, defaults for
// leaves never received. Tick-relative ints are stored as offsets and
// resolved against Tick on read.
type State struct {
	Flat   *schema.Flat
	Tick   uint32
	Values []schema.Value
}

func NewState(flat *schema.Flat) *State {
	st := &State{Flat: flat, Values: make([]schema.Value, flat.Len())}
	for i := range st.Values {
		st.Values[i] = schema.Zero(flat.Prop(i))
	}
	return st
}

// Decode materialises a snapshot.
func Decode(s *Snapshot) (*State, error) {
	st := NewState(s.Flat())
	st.Tick = s.Tick()
	if _, err := st.Apply(s.Reader()); err != nil {
		return nil, err
	}
	return st, nil
}

// Apply reads one record from r and overwrites the leaves it names. It
// returns the number of leaves updated.
func (st *State) Apply(r *bitbuf.Reader) (int, error) {
	ir := propindex.NewReader(r, st.Flat)
	n := 0
	for idx := ir.Next(); idx != propindex.Sentinel; idx = ir.Next() {
		st.Values[idx] = ir.Decode()
		n++
	}
	if err := ir.Err(); err != nil {
		return n, fmt.Errorf("decode %s: %w", st.Flat.Name(), err)
	}
	return n, nil
}

// Raw is the value as carried on the wire.
func (st *State) Raw(i int) schema.Value { return st.Values[i] }

// Get returns the leaf value with tick-relative ints made absolute.
func (st *State) Get(i int) schema.Value {
	return resolve(st.Flat.Prop(i), st.Values[i], st.Tick)
}

// Lookup reads a leaf by dotted path.
func (st *State) Lookup(path string) (schema.Value, bool) {
	i, ok := st.Flat.Lookup(path)
	if !ok {
		return schema.Value{}, false
	}
	return st.Get(i), true
}

func (st *State) Clone() *State {
	out := &State{Flat: st.Flat, Tick: st.Tick, Values: make([]schema.Value, len(st.Values))}
	copy(out.Values, st.Values)
	return out
}

// NonZero counts leaves that differ from their default.
func (st *State) NonZero() int {
	n := 0
	for _, v := range st.Values {
		if !v.IsZero() {
			n++
		}
	}
	return n
}

func resolve(p *schema.Prop, v schema.Value, tick uint32) schema.Value {
	switch {
	case p.Kind == schema.KindInt && p.Flags.Has(schema.FlagTickRelative):
		v.Int += int64(tick)
	case p.Kind == schema.KindArray && p.Element != nil && p.Element.Flags.Has(schema.FlagTickRelative):
		elems := make([]schema.Value, len(v.Elems))
		for i, e := range v.Elems {
			elems[i] = resolve(p.Element, e, tick)
		}
		v.Elems = elems
	}
	return v
}
