// Package propindex writes and reads the ascending leaf-index lists that
// prefix every property payload on the wire.
//
// Each entry is a one-bit "more" flag followed by the gap to the previous
// index in a 2-bit width selector plus 4, 8, 12 or 32 bits. A zero flag ends
// the list, so an empty list costs a single bit.
package propindex

import (
	"fmt"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/propcodec"
	"netstate.dev/internal/replication/replerr"
	"netstate.dev/internal/replication/schema"
)

// Sentinel is returned by Reader.Next at the end of a list. It is larger than any valid index.
const Sentinel = schema.MaxLeaves

var gapWidths = [4]int{4, 8, 12, 32}

func writeGap(w *bitbuf.Writer, gap uint64) {
	for sel, n := range gapWidths {
		if sel == len(gapWidths)-1 || gap < uint64(1)<<uint(n) {
			w.WriteUBits(uint64(sel), 2)
			w.WriteUBits(gap, n)
			return
		}
	}
}

func readGap(r *bitbuf.Reader) uint64 {
	sel := r.ReadUBits(2)
	return r.ReadUBits(gapWidths[sel])
}

// Writer emits one index list. Callers write each payload right after its index.
type Writer struct {
	w        *bitbuf.Writer
	last     int
	count    int
	finished bool
}

func NewWriter(w *bitbuf.Writer) *Writer {
	return &Writer{w: w, last: -1}
}

// WriteIndex appends i. Indices must be strictly increasing and below Sentinel.
func (iw *Writer) WriteIndex(i int) error {
	if iw.finished {
		return fmt.Errorf("propindex: write after finish")
	}
	if i <= iw.last || i >= Sentinel {
		return &replerr.OrderingError{Index: i, Last: iw.last}
	}
	iw.w.WriteBit(true)
	writeGap(iw.w, uint64(i-iw.last-1))
	iw.last = i
	iw.count++
	return nil
}

// Finish writes the terminator. It is idempotent.
func (iw *Writer) Finish() {
	if iw.finished {
		return
	}
	iw.w.WriteBit(false)
	iw.finished = true
}

func (iw *Writer) Count() int           { return iw.count }
func (iw *Writer) Last() int            { return iw.last }
func (iw *Writer) Bits() *bitbuf.Writer { return iw.w }

// Reader walks one index list and the payloads interleaved with it.
type Reader struct {
	r    *bitbuf.Reader
	flat *schema.Flat

	cur     int
	pending bool
	err     error
}

func NewReader(r *bitbuf.Reader, flat *schema.Flat) *Reader {
	return &Reader{r: r, flat: flat, cur: -1}
}

// Next returns the next index, or Sentinel at the end of the list or after an
// error. An unconsumed payload of the current index is skipped first.
func (ir *Reader) Next() int {
	if ir.cur == Sentinel {
		return Sentinel
	}
	if ir.pending {
		ir.Skip()
	}
	if !ir.r.ReadBit() {
		return ir.stop(ir.r.Err())
	}
	next := ir.cur + 1 + int(readGap(ir.r))
	if err := ir.r.Err(); err != nil {
		return ir.stop(err)
	}
	if next < 0 || next >= ir.flat.Len() {
		return ir.stop(&replerr.IntegrityError{
			Table:  ir.flat.Name(),
			Index:  next,
			BitPos: ir.r.Pos(),
			Reason: fmt.Sprintf("index out of range (table has %d leaves)", ir.flat.Len()),
		})
	}
	ir.cur = next
	ir.pending = true
	return next
}

func (ir *Reader) stop(err error) int {
	if err != nil && ir.err == nil {
		ir.err = err
	}
	ir.cur = Sentinel
	ir.pending = false
	return Sentinel
}

// Index is the current index (-1 before the first Next).
func (ir *Reader) Index() int { return ir.cur }

func (ir *Reader) Prop() *schema.Prop { return ir.flat.Prop(ir.cur) }

func (ir *Reader) Flat() *schema.Flat { return ir.flat }

// Bits exposes the underlying cursor.
func (ir *Reader) Bits() *bitbuf.Reader { return ir.r }

func (ir *Reader) Err() error {
	if ir.err != nil {
		return ir.err
	}
	return ir.r.Err()
}

func (ir *Reader) current() (*schema.Prop, bool) {
	if !ir.pending || ir.cur < 0 || ir.cur == Sentinel {
		return nil, false
	}
	ir.pending = false
	return ir.flat.Prop(ir.cur), true
}

// Skip moves past the current payload without decoding it.
func (ir *Reader) Skip() {
	if p, ok := ir.current(); ok {
		propcodec.Skip(ir.r, p)
	}
}

// Decode materialises the current payload.
func (ir *Reader) Decode() schema.Value {
	p, ok := ir.current()
	if !ok {
		return schema.Value{}
	}
	return propcodec.Decode(ir.r, p)
}

// IsZero consumes the current payload and reports whether it encodes the default value.
func (ir *Reader) IsZero() bool {
	p, ok := ir.current()
	if !ok {
		return true
	}
	return propcodec.IsEncodedZero(ir.r, p)
}

// Compare consumes the current payload of both readers, which must sit on the
// same index, and reports whether the encoded values differ.
func (ir *Reader) Compare(other *Reader) bool {
	if ir.cur != other.cur {
		panic(fmt.Sprintf("propindex: compare of index %d against %d", ir.cur, other.cur))
	}
	p, ok := ir.current()
	_, okOther := other.current()
	if !ok || !okOther {
		return ok != okOther
	}
	return propcodec.Compare(ir.r, other.r, p)
}

// CopyPayload appends the current payload to w bit-for-bit.
func (ir *Reader) CopyPayload(w *bitbuf.Writer) {
	p, ok := ir.current()
	if !ok {
		return
	}
	start := ir.r.Pos()
	propcodec.Skip(ir.r, p)
	end := ir.r.Pos()
	src := ir.r.Clone()
	src.Seek(start)
	w.CopyBits(src, end-start)
}
