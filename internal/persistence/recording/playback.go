package recording

import (
	"errors"
	"fmt"
	"io"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/delta"
	"netstate.dev/internal/replication/integrity"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/snapshot"
)

// PlayFunc sees every entry with the object's state after applying it; st is
// nil for KindLeave.
type PlayFunc func(e Entry, st *snapshot.State) error

// Play reconstructs object states from a recording file. Every record is
// integrity checked before it is applied.
func Play(path string, reg *schema.Registry, fn PlayFunc) (Header, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, err
	}
	defer r.Close()

	h := r.Header()
	if h.SchemaCRC != reg.CRC() {
		return h, fmt.Errorf("schema crc mismatch: recording=%08x registry=%08x", h.SchemaCRC, reg.CRC())
	}

	states := map[uint32]*snapshot.State{}
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return h, nil
		}
		if err != nil {
			return h, err
		}

		var st *snapshot.State
		switch e.Kind {
		case KindLeave:
			delete(states, e.Object)
		case KindKey, KindDelta:
			flat, ok := reg.FlatByID(e.Table)
			if !ok {
				return h, fmt.Errorf("tick %d object %d: unknown table %d", e.Tick, e.Object, e.Table)
			}
			if _, err := integrity.CheckBuffer(e.Data, e.Bits, flat); err != nil {
				return h, fmt.Errorf("tick %d object %d: %w", e.Tick, e.Object, err)
			}
			if e.Kind == KindKey {
				st = snapshot.NewState(flat)
			} else {
				st = states[e.Object]
				if st == nil || st.Flat != flat {
					return h, fmt.Errorf("tick %d object %d: delta without keyframe", e.Tick, e.Object)
				}
				if st.Tick != e.Base {
					return h, fmt.Errorf("tick %d object %d: delta base %d, have %d", e.Tick, e.Object, e.Base, st.Tick)
				}
			}
			if _, err := delta.ApplyDelta(bitbuf.NewReader(e.Data, e.Bits), st, e.Tick); err != nil {
				return h, fmt.Errorf("tick %d object %d: %w", e.Tick, e.Object, err)
			}
			states[e.Object] = st
		default:
			return h, fmt.Errorf("tick %d object %d: bad kind %d", e.Tick, e.Object, e.Kind)
		}
		if fn != nil {
			if err := fn(e, st); err != nil {
				return h, err
			}
		}
	}
}
