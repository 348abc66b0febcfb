package propcodec

import (
	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/schema"
)

type stringCodec struct{}

// Encode writes a length prefix then the raw bytes. Strings longer than
// schema.MaxStringBytes are truncated.
func (stringCodec) Encode(w *bitbuf.Writer, _ *schema.Prop, v schema.Value, _ uint32) {
	s := v.Str
	if len(s) > schema.MaxStringBytes {
		s = s[:schema.MaxStringBytes]
	}
	w.WriteUBits(uint64(len(s)), schema.StringLengthBits)
	w.WriteBytes([]byte(s))
}

func (stringCodec) Decode(r *bitbuf.Reader, _ *schema.Prop) schema.Value {
	n := int(r.ReadUBits(schema.StringLengthBits))
	if n > r.Remaining()/8 {
		r.SeekRelative(n * 8)
		return schema.String("")
	}
	return schema.String(string(r.ReadBytes(n)))
}

func (stringCodec) Skip(r *bitbuf.Reader, _ *schema.Prop) {
	n := int(r.ReadUBits(schema.StringLengthBits))
	r.SeekRelative(n * 8)
}

func (stringCodec) IsEncodedZero(r *bitbuf.Reader, _ *schema.Prop) bool {
	n := int(r.ReadUBits(schema.StringLengthBits))
	r.SeekRelative(n * 8)
	return n == 0
}

func (stringCodec) Compare(a, b *bitbuf.Reader, _ *schema.Prop) bool {
	na := int(a.ReadUBits(schema.StringLengthBits))
	nb := int(b.ReadUBits(schema.StringLengthBits))
	if na != nb {
		a.SeekRelative(na * 8)
		b.SeekRelative(nb * 8)
		return true
	}
	if na == 0 {
		return false
	}
	return a.CompareBits(b, na*8)
}

type arrayCodec struct{}

func (arrayCodec) Encode(w *bitbuf.Writer, p *schema.Prop, v schema.Value, tick uint32) {
	n := len(v.Elems)
	if n > p.Elements {
		n = p.Elements
	}
	w.WriteUBits(uint64(n), p.LengthBits())
	elem := For(p.Element.Kind)
	for i := 0; i < n; i++ {
		elem.Encode(w, p.Element, Coerce(p.Element.Kind, v.Elems[i]), tick)
	}
}

func (arrayCodec) Decode(r *bitbuf.Reader, p *schema.Prop) schema.Value {
	n := int(r.ReadUBits(p.LengthBits()))
	elem := For(p.Element.Kind)
	out := make([]schema.Value, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		out = append(out, elem.Decode(r, p.Element))
	}
	return schema.Array(out...)
}

func (arrayCodec) Skip(r *bitbuf.Reader, p *schema.Prop) {
	n := int(r.ReadUBits(p.LengthBits()))
	elem := For(p.Element.Kind)
	for i := 0; i < n && r.Err() == nil; i++ {
		elem.Skip(r, p.Element)
	}
}

// IsEncodedZero reports an empty array; element payloads are consumed.
func (arrayCodec) IsEncodedZero(r *bitbuf.Reader, p *schema.Prop) bool {
	n := int(r.ReadUBits(p.LengthBits()))
	elem := For(p.Element.Kind)
	for i := 0; i < n && r.Err() == nil; i++ {
		elem.IsEncodedZero(r, p.Element)
	}
	return n == 0
}

func (arrayCodec) Compare(a, b *bitbuf.Reader, p *schema.Prop) bool {
	bits := p.LengthBits()
	na := int(a.ReadUBits(bits))
	nb := int(b.ReadUBits(bits))
	elem := For(p.Element.Kind)

	diff := na != nb
	same := min(na, nb)
	for i := 0; i < same; i++ {
		if elem.Compare(a, b, p.Element) {
			diff = true
		}
	}
	longer, extra := a, na-same
	if nb > na {
		longer, extra = b, nb-same
	}
	for i := 0; i < extra; i++ {
		elem.Skip(longer, p.Element)
	}
	return diff
}
