// Package propcodec implements the per-type wire encodings of leaf properties.
//
// Every variant provides the same capability set. Decode, Skip, IsEncodedZero
// and Compare must consume exactly the bits Encode produced; the integrity
// checker relies on it.
package propcodec

import (
	"fmt"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/schema"
)

// Codec is the capability set of one property type.
type Codec interface {
	// Encode writes v. Tick is the snapshot tick, used by tick-relative ints.
	Encode(w *bitbuf.Writer, p *schema.Prop, v schema.Value, tick uint32)
	// Decode reads a value. Tick-relative ints are returned relative.
	Decode(r *bitbuf.Reader, p *schema.Prop) schema.Value
	Skip(r *bitbuf.Reader, p *schema.Prop)
	IsEncodedZero(r *bitbuf.Reader, p *schema.Prop) bool
	// Compare consumes one value from each reader and reports whether they differ.
	Compare(a, b *bitbuf.Reader, p *schema.Prop) bool
}

var (
	ints      intCodec
	floats    floatCodec
	vectors   vectorCodec
	vectorsXY vectorXYCodec
	strs      stringCodec
	arrays    arrayCodec
)

// For returns the codec of a leaf kind. Tables are never leaves.
func For(k schema.Kind) Codec {
	switch k {
	case schema.KindInt:
		return ints
	case schema.KindFloat:
		return floats
	case schema.KindVector:
		return vectors
	case schema.KindVectorXY:
		return vectorsXY
	case schema.KindString:
		return strs
	case schema.KindArray:
		return arrays
	case schema.KindTable:
		panic("propcodec: table props are flattened, not encoded")
	}
	panic(fmt.Sprintf("propcodec: unknown kind %d", k))
}

func Encode(w *bitbuf.Writer, p *schema.Prop, v schema.Value, tick uint32) {
	For(p.Kind).Encode(w, p, Coerce(p.Kind, v), tick)
}

func Decode(r *bitbuf.Reader, p *schema.Prop) schema.Value { return For(p.Kind).Decode(r, p) }
func Skip(r *bitbuf.Reader, p *schema.Prop)                { For(p.Kind).Skip(r, p) }
func IsEncodedZero(r *bitbuf.Reader, p *schema.Prop) bool  { return For(p.Kind).IsEncodedZero(r, p) }
func Compare(a, b *bitbuf.Reader, p *schema.Prop) bool     { return For(p.Kind).Compare(a, b, p) }

// EncodeZero writes the default value of p.
func EncodeZero(w *bitbuf.Writer, p *schema.Prop) {
	For(p.Kind).Encode(w, p, schema.Zero(p), 0)
}

// Coerce converts between int and float representations so accessors may
// return either for numeric props.
func Coerce(k schema.Kind, v schema.Value) schema.Value {
	if v.Kind == k {
		return v
	}
	switch {
	case k == schema.KindFloat && v.Kind == schema.KindInt:
		return schema.Float(float32(v.Int))
	case k == schema.KindInt && v.Kind == schema.KindFloat:
		return schema.Int(int64(v.Float))
	case k == schema.KindVectorXY && v.Kind == schema.KindVector:
		return schema.VectorXY(v.Vec[0], v.Vec[1])
	case k == schema.KindVector && v.Kind == schema.KindVectorXY:
		return schema.Vector(v.Vec[0], v.Vec[1], 0)
	}
	v.Kind = k
	return v
}
