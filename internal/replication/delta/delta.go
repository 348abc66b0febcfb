// Package delta computes which leaves changed between two snapshots and
// writes the resulting property records.
package delta

import (
	"fmt"
	"sort"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/propcodec"
	"netstate.dev/internal/replication/propindex"
	"netstate.dev/internal/replication/replerr"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/snapshot"
)

// IndexSet is a strictly increasing list of leaf indices.
type IndexSet []int

// Contains reports whether i is in the set.
func (s IndexSet) Contains(i int) bool {
	k := sort.SearchInts(s, i)
	return k < len(s) && s[k] == i
}

// Valid reports whether s is strictly increasing and non-negative.
func (s IndexSet) Valid() bool {
	for k, i := range s {
		if i < 0 || (k > 0 && i <= s[k-1]) {
			return false
		}
	}
	return true
}

// Union merges two sets.
func Union(a, b IndexSet) IndexSet {
	out := make(IndexSet, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i == len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

type Options struct {
	// Capacity bounds the result; 0 means schema.MaxLeaves.
	Capacity int
	// ReportCleared also reports indices present only in "from" whose
	// payload is not the default. Receivers reset them to the default.
	ReportCleared bool
}

// restriction is a forward-only membership cursor. A nil set admits everything.
type restriction struct {
	set IndexSet
	k   int
}

func (r *restriction) allows(i int) bool {
	if r.set == nil {
		return true
	}
	for r.k < len(r.set) && r.set[r.k] < i {
		r.k++
	}
	return r.k < len(r.set) && r.set[r.k] == i
}

// ComputeDelta lists the leaves of to that differ from from. A nil from means
// the receiver has nothing, and every non-default leaf of to is reported. A
// nil restrict admits every index; indices outside a non-nil restrict are
// skipped without being compared.
func ComputeDelta(from, to *snapshot.Snapshot, restrict IndexSet, opts Options) (IndexSet, error) {
	if to == nil {
		return nil, fmt.Errorf("delta: nil target snapshot")
	}
	if from != nil && from.Flat() != to.Flat() {
		return nil, fmt.Errorf("delta: %s baseline against %s snapshot", from.Flat().Name(), to.Flat().Name())
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = schema.MaxLeaves
	}

	rs := &restriction{set: restrict}
	out := IndexSet{}
	tr := to.Indices()

	if from == nil {
		for ti := tr.Next(); ti != propindex.Sentinel; ti = tr.Next() {
			if rs.allows(ti) && !tr.IsZero() {
				out = append(out, ti)
			}
		}
		if err := tr.Err(); err != nil {
			return nil, fmt.Errorf("delta %s@%d: %w", to.Flat().Name(), to.Tick(), err)
		}
		return checkCapacity(out, capacity, to)
	}

	fr := from.Indices()
	fi, ti := fr.Next(), tr.Next()
	for ti != propindex.Sentinel || (opts.ReportCleared && fi != propindex.Sentinel) {
		switch {
		case fi < ti:
			if opts.ReportCleared && rs.allows(fi) && !fr.IsZero() {
				out = append(out, fi)
			}
			fi = fr.Next()
		case ti < fi:
			if rs.allows(ti) {
				out = append(out, ti)
			}
			ti = tr.Next()
		default:
			if rs.allows(ti) && fr.Compare(tr) {
				out = append(out, ti)
			}
			fi, ti = fr.Next(), tr.Next()
		}
	}
	if err := fr.Err(); err != nil {
		return nil, fmt.Errorf("delta %s@%d baseline: %w", from.Flat().Name(), from.Tick(), err)
	}
	if err := tr.Err(); err != nil {
		return nil, fmt.Errorf("delta %s@%d: %w", to.Flat().Name(), to.Tick(), err)
	}
	return checkCapacity(out, capacity, to)
}

func checkCapacity(out IndexSet, capacity int, to *snapshot.Snapshot) (IndexSet, error) {
	if len(out) > capacity {
		return nil, &replerr.CapacityError{What: "delta " + to.Flat().Name(), Limit: capacity, Need: len(out)}
	}
	return out, nil
}

// WriteDelta writes a record for set, copying payloads from to. Indices to
// does not carry are written with their default payload.
func WriteDelta(set IndexSet, to *snapshot.Snapshot, out *bitbuf.Writer) error {
	return WriteRecord(out, to, set, nil)
}

// WriteRecord writes send and clear as one record. Payloads for send come
// from to; cleared indices carry the default payload, which tells the
// receiver the value is gone.
func WriteRecord(out *bitbuf.Writer, to *snapshot.Snapshot, send, clear IndexSet) error {
	flat := to.Flat()
	iw := propindex.NewWriter(out)
	tr := to.Indices()
	ti := tr.Next()

	i, j := 0, 0
	for i < len(send) || j < len(clear) {
		var idx int
		cleared := false
		switch {
		case j == len(clear) || (i < len(send) && send[i] < clear[j]):
			idx = send[i]
			i++
		case i == len(send) || clear[j] < send[i]:
			idx, cleared = clear[j], true
			j++
		default:
			idx, cleared = clear[j], true
			i++
			j++
		}
		if idx >= flat.Len() {
			return fmt.Errorf("delta: index %d outside %s (%d leaves)", idx, flat.Name(), flat.Len())
		}
		if err := iw.WriteIndex(idx); err != nil {
			return err
		}
		for ti < idx {
			ti = tr.Next()
		}
		if ti == idx && !cleared {
			tr.CopyPayload(out)
			ti = tr.Next()
			continue
		}
		propcodec.EncodeZero(out, flat.Prop(idx))
	}
	iw.Finish()
	if err := tr.Err(); err != nil {
		return fmt.Errorf("delta %s@%d: %w", flat.Name(), to.Tick(), err)
	}
	return nil
}

// ApplyDelta reads one record from r into st, which becomes the state at tick.
func ApplyDelta(r *bitbuf.Reader, st *snapshot.State, tick uint32) (int, error) {
	st.Tick = tick
	return st.Apply(r)
}
