package snapshot

import (
	"fmt"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/bitset"
	"netstate.dev/internal/replication/integrity"
	"netstate.dev/internal/replication/propcodec"
	"netstate.dev/internal/replication/propindex"
	"netstate.dev/internal/replication/schema"
)

// RecipientFunc reports whether client may see proxy node of obj.
type RecipientFunc func(obj any, node, client int) bool

// Encoder turns live objects into snapshots. An Encoder is used by one
// goroutine at a time.
type Encoder struct {
	// Pool supplies buffers; nil allocates.
	Pool *Pool
	// Verify runs the integrity checker on every snapshot produced.
	Verify bool
	// Recipients, when set, is evaluated for clients 0..Clients-1 and every
	// proxy node, and cached in the snapshot's Extra.
	Recipients RecipientFunc
	Clients    int

	scratch bitbuf.Writer
	ctx     []any
}

// Encode writes every present leaf of obj. With nonZeroOnly, leaves whose
// encoded payload decodes to the default are left out. obj is only read.
func (e *Encoder) Encode(obj any, flat *schema.Flat, tick uint32, nonZeroOnly bool) (*Snapshot, error) {
	var bp *[]byte
	var w *bitbuf.Writer
	if e.Pool != nil {
		bp = e.Pool.get()
		w = bitbuf.WriterOver(*bp)
	} else {
		w = bitbuf.NewWriter(64)
	}

	n, err := e.write(w, obj, flat, tick, nonZeroOnly)
	if err != nil {
		if bp != nil {
			e.Pool.put(bp)
		}
		return nil, err
	}

	s := &Snapshot{flat: flat, tick: tick, data: w.Bytes(), bits: w.Bits(), entries: n}
	if bp != nil {
		*bp = w.Bytes()
		s.pool, s.buf = e.Pool, bp
	}
	s.refs.Store(1)
	s.extra = &Extra{CreatedTick: tick}
	if e.Recipients != nil && flat.NumNodes() > 1 {
		s.extra.Recipients = e.recipients(obj, flat)
	}

	if e.Verify {
		if _, err := integrity.CheckBuffer(s.data, s.bits, flat); err != nil {
			s.Release()
			return nil, fmt.Errorf("verify %s@%d: %w", flat.Name(), tick, err)
		}
	}
	return s, nil
}

func (e *Encoder) write(w *bitbuf.Writer, obj any, flat *schema.Flat, tick uint32, nonZeroOnly bool) (int, error) {
	ctx := e.resolve(obj, flat)
	iw := propindex.NewWriter(w)
	for i := range flat.Leaves {
		l := &flat.Leaves[i]
		sub := ctx[l.Owner]
		if sub == nil {
			continue
		}
		v := LeafValue(l.Prop, sub)
		if nonZeroOnly {
			e.scratch.Reset()
			propcodec.Encode(&e.scratch, l.Prop, v, tick)
			if propcodec.IsEncodedZero(bitbuf.NewReader(e.scratch.Bytes(), e.scratch.Bits()), l.Prop) {
				continue
			}
			if err := iw.WriteIndex(i); err != nil {
				return 0, err
			}
			w.Append(&e.scratch)
			continue
		}
		if err := iw.WriteIndex(i); err != nil {
			return 0, err
		}
		propcodec.Encode(w, l.Prop, v, tick)
	}
	iw.Finish()
	return iw.Count(), nil
}

// resolve computes the object every table instance reads from. Instances are
// ordered parents first, and a nil parent hides its whole subtree.
func (e *Encoder) resolve(obj any, flat *schema.Flat) []any {
	if cap(e.ctx) < len(flat.Tables) {
		e.ctx = make([]any, len(flat.Tables))
	}
	ctx := e.ctx[:len(flat.Tables)]
	ctx[0] = obj
	for i := 1; i < len(flat.Tables); i++ {
		ti := &flat.Tables[i]
		parent := ctx[ti.Parent]
		switch {
		case parent == nil:
			ctx[i] = nil
		case ti.Via.Sub == nil:
			ctx[i] = parent
		default:
			ctx[i] = ti.Via.Sub(parent)
		}
	}
	return ctx
}

func (e *Encoder) recipients(obj any, flat *schema.Flat) []bitset.Set {
	out := make([]bitset.Set, flat.NumNodes())
	for node := 1; node < len(out); node++ {
		out[node] = bitset.New(e.Clients)
		for c := 0; c < e.Clients; c++ {
			if e.Recipients(obj, node, c) {
				out[node].Set(c)
			}
		}
	}
	return out
}

// LeafValue reads one prop from the object its table resolved to. Arrays
// without their own getter are assembled from the element getter.
func LeafValue(p *schema.Prop, obj any) schema.Value {
	if p.Get != nil {
		return p.Get(obj, 0)
	}
	if p.Kind != schema.KindArray || p.Element == nil || p.Element.Get == nil {
		return schema.Zero(p)
	}
	n := p.Elements
	if p.Length != nil {
		n = min(p.Length(obj), p.Elements)
	}
	if n <= 0 {
		return schema.Array()
	}
	elems := make([]schema.Value, n)
	for i := range elems {
		elems[i] = p.Element.Get(obj, i)
	}
	return schema.Array(elems...)
}
