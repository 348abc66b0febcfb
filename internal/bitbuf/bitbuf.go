// Package bitbuf implements the LSB-first bit buffers the replication stream
// is written to and read from.
package bitbuf

import (
	"errors"
	"math"
)

// ErrOverflow is reported by Reader.Err after a read ran past the end of the buffer.
var ErrOverflow = errors.New("bitbuf: read past end of buffer")

// Writer appends bits to a growable byte slice. The zero value is ready to use.
type Writer struct {
	buf   []byte
	nbits int
}

func NewWriter(capBytes int) *Writer {
	return &Writer{buf: make([]byte, 0, capBytes)}
}

// WriterOver reuses buf's backing array; its contents are discarded.
func WriterOver(buf []byte) *Writer {
	return &Writer{buf: buf[:0]}
}

func (w *Writer) Bits() int     { return w.nbits }
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.nbits = 0
}

// WriteUBits writes the low n bits of v (0 <= n <= 64).
func (w *Writer) WriteUBits(v uint64, n int) {
	if n < 0 || n > 64 {
		panic("bitbuf: bad bit count")
	}
	for n > 0 {
		idx := w.nbits >> 3
		off := w.nbits & 7
		if idx == len(w.buf) {
			w.buf = append(w.buf, 0)
		}
		take := 8 - off
		if take > n {
			take = n
		}
		mask := uint64(1)<<uint(take) - 1
		w.buf[idx] |= byte((v & mask) << uint(off))
		v >>= uint(take)
		n -= take
		w.nbits += take
	}
}

func (w *Writer) WriteBit(b bool) {
	if b {
		w.WriteUBits(1, 1)
		return
	}
	w.WriteUBits(0, 1)
}

func (w *Writer) WriteFloat32(f float32) {
	w.WriteUBits(uint64(math.Float32bits(f)), 32)
}

func (w *Writer) WriteBytes(p []byte) {
	if w.nbits&7 == 0 {
		w.buf = append(w.buf, p...)
		w.nbits += len(p) * 8
		return
	}
	for _, b := range p {
		w.WriteUBits(uint64(b), 8)
	}
}

// WriteVarUint writes v in 7-bit groups, low group first, with a continuation bit per group.
func (w *Writer) WriteVarUint(v uint64) {
	for v >= 0x80 {
		w.WriteUBits(v&0x7f|0x80, 8)
		v >>= 7
	}
	w.WriteUBits(v, 8)
}

// CopyBits copies n bits from r's current position, advancing r.
func (w *Writer) CopyBits(r *Reader, n int) {
	for n >= 64 {
		w.WriteUBits(r.ReadUBits(64), 64)
		n -= 64
	}
	if n > 0 {
		w.WriteUBits(r.ReadUBits(n), n)
	}
}

// Append copies every bit written to src.
func (w *Writer) Append(src *Writer) {
	r := NewReader(src.buf, src.nbits)
	w.CopyBits(r, src.nbits)
}

// Reader reads bits from a byte slice it never modifies. Reads past the end
// return zero bits and latch ErrOverflow.
type Reader struct {
	buf      []byte
	nbits    int
	pos      int
	overflow bool
}

// NewReader reads the first nbits bits of buf; nbits < 0 means all of buf.
func NewReader(buf []byte, nbits int) *Reader {
	if nbits < 0 || nbits > len(buf)*8 {
		nbits = len(buf) * 8
	}
	return &Reader{buf: buf, nbits: nbits}
}

func (r *Reader) Pos() int       { return r.pos }
func (r *Reader) Len() int       { return r.nbits }
func (r *Reader) Remaining() int { return r.nbits - r.pos }

func (r *Reader) Err() error {
	if r.overflow {
		return ErrOverflow
	}
	return nil
}

func (r *Reader) Seek(pos int) {
	if pos < 0 || pos > r.nbits {
		r.overflow = true
		pos = r.nbits
	}
	r.pos = pos
}

func (r *Reader) SeekRelative(n int) { r.Seek(r.pos + n) }

// ReadUBits reads n bits (0 <= n <= 64) as an unsigned value.
func (r *Reader) ReadUBits(n int) uint64 {
	if n < 0 || n > 64 {
		panic("bitbuf: bad bit count")
	}
	if r.pos+n > r.nbits {
		r.overflow = true
		r.pos = r.nbits
		return 0
	}
	var v uint64
	shift := 0
	for n > 0 {
		idx := r.pos >> 3
		off := r.pos & 7
		take := 8 - off
		if take > n {
			take = n
		}
		b := uint64(r.buf[idx]>>uint(off)) & (uint64(1)<<uint(take) - 1)
		v |= b << uint(shift)
		shift += take
		n -= take
		r.pos += take
	}
	return v
}

func (r *Reader) ReadBit() bool { return r.ReadUBits(1) == 1 }

func (r *Reader) ReadFloat32() float32 {
	return math.Float32frombits(uint32(r.ReadUBits(32)))
}

func (r *Reader) ReadBytes(n int) []byte {
	out := make([]byte, n)
	if r.pos&7 == 0 && r.pos+n*8 <= r.nbits {
		copy(out, r.buf[r.pos>>3:])
		r.pos += n * 8
		return out
	}
	for i := range out {
		out[i] = byte(r.ReadUBits(8))
	}
	return out
}

func (r *Reader) ReadVarUint() uint64 {
	var v uint64
	for shift := 0; shift < 64; shift += 7 {
		b := r.ReadUBits(8)
		v |= (b & 0x7f) << uint(shift)
		if b&0x80 == 0 || r.overflow {
			return v
		}
	}
	r.overflow = true
	return v
}

// CompareBits reports whether the next n bits of r and o differ. Both readers
// always advance by n bits.
func (r *Reader) CompareBits(o *Reader, n int) bool {
	diff := false
	for n >= 64 {
		a, b := r.ReadUBits(64), o.ReadUBits(64)
		if a != b {
			diff = true
		}
		n -= 64
	}
	if n > 0 {
		a, b := r.ReadUBits(n), o.ReadUBits(n)
		if a != b {
			diff = true
		}
	}
	return diff
}

// Clone returns an independent cursor over the same bits.
func (r *Reader) Clone() *Reader {
	c := *r
	return &c
}
