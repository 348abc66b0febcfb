package propcodec

import (
	"math"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/schema"
)

type intCodec struct{}

func (intCodec) Encode(w *bitbuf.Writer, p *schema.Prop, v schema.Value, tick uint32) {
	n := v.Int
	if p.Flags.Has(schema.FlagTickRelative) {
		n -= int64(tick)
	}
	if p.Flags.Has(schema.FlagVarInt) {
		if p.Flags.Has(schema.FlagUnsigned) {
			w.WriteVarUint(uint64(n))
		} else {
			w.WriteVarUint(zigzag(n))
		}
		return
	}
	// Out-of-range values keep their low bits.
	w.WriteUBits(uint64(n)&lowMask(p.Bits), p.Bits)
}

func (intCodec) Decode(r *bitbuf.Reader, p *schema.Prop) schema.Value {
	return schema.Int(readInt(r, p))
}

func readInt(r *bitbuf.Reader, p *schema.Prop) int64 {
	if p.Flags.Has(schema.FlagVarInt) {
		u := r.ReadVarUint()
		if p.Flags.Has(schema.FlagUnsigned) {
			return int64(u)
		}
		return unzigzag(u)
	}
	u := r.ReadUBits(p.Bits)
	if !p.Flags.Has(schema.FlagUnsigned) && p.Bits < 64 {
		high := uint64(1) << uint(p.Bits-1)
		if u&high != 0 {
			return int64(u) - int64(high<<1)
		}
	}
	return int64(u)
}

func (intCodec) Skip(r *bitbuf.Reader, p *schema.Prop) {
	if p.Flags.Has(schema.FlagVarInt) {
		r.ReadVarUint()
		return
	}
	r.SeekRelative(p.Bits)
}

func (intCodec) IsEncodedZero(r *bitbuf.Reader, p *schema.Prop) bool {
	return readInt(r, p) == 0
}

func (intCodec) Compare(a, b *bitbuf.Reader, p *schema.Prop) bool {
	if p.Flags.Has(schema.FlagVarInt) {
		return a.ReadVarUint() != b.ReadVarUint()
	}
	return a.CompareBits(b, p.Bits)
}

func zigzag(n int64) uint64   { return uint64(n<<1) ^ uint64(n>>63) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

func lowMask(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(bits) - 1
}

func floatBits(p *schema.Prop) int {
	if p.Flags.Has(schema.FlagNoScale) {
		return 32
	}
	return p.Bits
}

func encodeFloat(w *bitbuf.Writer, p *schema.Prop, f float32) {
	if p.Flags.Has(schema.FlagNoScale) {
		w.WriteFloat32(f)
		return
	}
	low, high := p.Range()
	maxq := lowMask(p.Bits)
	var q uint64
	switch {
	case math.IsNaN(float64(f)) || f <= low:
		q = 0
	case f >= high:
		q = maxq
	default:
		scaled := (float64(f) - float64(low)) * float64(maxq) / (float64(high) - float64(low))
		q = uint64(math.Round(scaled))
		if q > maxq {
			q = maxq
		}
	}
	w.WriteUBits(q, p.Bits)
}

func decodeFloat(r *bitbuf.Reader, p *schema.Prop) float32 {
	if p.Flags.Has(schema.FlagNoScale) {
		return r.ReadFloat32()
	}
	low, high := p.Range()
	q := r.ReadUBits(p.Bits)
	if zq, ok := zeroQuantum(low, high, p.Bits); ok && q == zq {
		return 0
	}
	frac := float64(q) / float64(lowMask(p.Bits))
	return float32(float64(low) + (float64(high)-float64(low))*frac)
}

// zeroQuantum is the step encodeFloat picks for 0 when 0 lies strictly
// inside the range. That step decodes to exactly 0 so defaults round-trip.
func zeroQuantum(low, high float32, bits int) (uint64, bool) {
	if !(low < 0 && high > 0) {
		return 0, false
	}
	maxq := lowMask(bits)
	q := uint64(math.Round(-float64(low) * float64(maxq) / (float64(high) - float64(low))))
	if q > maxq {
		q = maxq
	}
	return q, true
}

type floatCodec struct{}

func (floatCodec) Encode(w *bitbuf.Writer, p *schema.Prop, v schema.Value, _ uint32) {
	encodeFloat(w, p, v.Float)
}

func (floatCodec) Decode(r *bitbuf.Reader, p *schema.Prop) schema.Value {
	return schema.Float(decodeFloat(r, p))
}

func (floatCodec) Skip(r *bitbuf.Reader, p *schema.Prop) { r.SeekRelative(floatBits(p)) }

func (floatCodec) IsEncodedZero(r *bitbuf.Reader, p *schema.Prop) bool {
	return decodeFloat(r, p) == 0
}

func (floatCodec) Compare(a, b *bitbuf.Reader, p *schema.Prop) bool {
	return a.CompareBits(b, floatBits(p))
}

type vectorCodec struct{}

func (vectorCodec) Encode(w *bitbuf.Writer, p *schema.Prop, v schema.Value, _ uint32) {
	encodeFloat(w, p, v.Vec[0])
	encodeFloat(w, p, v.Vec[1])
	encodeFloat(w, p, v.Vec[2])
}

func (vectorCodec) Decode(r *bitbuf.Reader, p *schema.Prop) schema.Value {
	x := decodeFloat(r, p)
	y := decodeFloat(r, p)
	z := decodeFloat(r, p)
	return schema.Vector(x, y, z)
}

func (vectorCodec) Skip(r *bitbuf.Reader, p *schema.Prop) { r.SeekRelative(3 * floatBits(p)) }

func (c vectorCodec) IsEncodedZero(r *bitbuf.Reader, p *schema.Prop) bool {
	return c.Decode(r, p).IsZero()
}

func (vectorCodec) Compare(a, b *bitbuf.Reader, p *schema.Prop) bool {
	return a.CompareBits(b, 3*floatBits(p))
}

type vectorXYCodec struct{}

func (vectorXYCodec) Encode(w *bitbuf.Writer, p *schema.Prop, v schema.Value, _ uint32) {
	encodeFloat(w, p, v.Vec[0])
	encodeFloat(w, p, v.Vec[1])
}

func (vectorXYCodec) Decode(r *bitbuf.Reader, p *schema.Prop) schema.Value {
	x := decodeFloat(r, p)
	y := decodeFloat(r, p)
	return schema.VectorXY(x, y)
}

func (vectorXYCodec) Skip(r *bitbuf.Reader, p *schema.Prop) { r.SeekRelative(2 * floatBits(p)) }

func (c vectorXYCodec) IsEncodedZero(r *bitbuf.Reader, p *schema.Prop) bool {
	return c.Decode(r, p).IsZero()
}

func (vectorXYCodec) Compare(a, b *bitbuf.Reader, p *schema.Prop) bool {
	return a.CompareBits(b, 2*floatBits(p))
}
