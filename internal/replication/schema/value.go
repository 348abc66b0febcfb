package schema

import (
	"fmt"
	"math"
)

// Value is a raw or decoded property value. Kind selects which field is meaningful.
type Value struct {
	Kind  Kind
	Int   int64
	Float float32
	Vec   [3]float32
	Str   string
	Elems []Value
}

func Int(v int64) Value            { return Value{Kind: KindInt, Int: v} }
func Float(f float32) Value        { return Value{Kind: KindFloat, Float: f} }
func Vector(x, y, z float32) Value { return Value{Kind: KindVector, Vec: [3]float32{x, y, z}} }
func VectorXY(x, y float32) Value  { return Value{Kind: KindVectorXY, Vec: [3]float32{x, y, 0}} }
func String(s string) Value        { return Value{Kind: KindString, Str: s} }
func Array(elems ...Value) Value   { return Value{Kind: KindArray, Elems: elems} }
func Bool(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

// Zero is the default value of a prop: what a receiver assumes for an index
// it has never been sent.
func Zero(p *Prop) Value {
	return Value{Kind: p.Kind}
}

// IsZero reports whether v is the default for its kind.
func (v Value) IsZero() bool {
	switch v.Kind {
	case KindInt:
		return v.Int == 0
	case KindFloat:
		return v.Float == 0
	case KindVector:
		return v.Vec[0] == 0 && v.Vec[1] == 0 && v.Vec[2] == 0
	case KindVectorXY:
		return v.Vec[0] == 0 && v.Vec[1] == 0
	case KindString:
		return v.Str == ""
	case KindArray:
		return len(v.Elems) == 0
	}
	return true
}

// Equal compares two values exactly.
func (v Value) Equal(o Value) bool {
	return v.ApproxEqual(o, 0)
}

// ApproxEqual compares two values allowing tol difference on float components.
func (v Value) ApproxEqual(o Value, tol float64) bool {
	if v.Kind != o.Kind {
		return false
	}
	feq := func(a, b float32) bool { return math.Abs(float64(a)-float64(b)) <= tol }
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return feq(v.Float, o.Float)
	case KindVector:
		return feq(v.Vec[0], o.Vec[0]) && feq(v.Vec[1], o.Vec[1]) && feq(v.Vec[2], o.Vec[2])
	case KindVectorXY:
		return feq(v.Vec[0], o.Vec[0]) && feq(v.Vec[1], o.Vec[1])
	case KindString:
		return v.Str == o.Str
	case KindArray:
		if len(v.Elems) != len(o.Elems) {
			return false
		}
		for i := range v.Elems {
			if !v.Elems[i].ApproxEqual(o.Elems[i], tol) {
				return false
			}
		}
		return true
	}
	return true
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindVector:
		return fmt.Sprintf("(%g %g %g)", v.Vec[0], v.Vec[1], v.Vec[2])
	case KindVectorXY:
		return fmt.Sprintf("(%g %g)", v.Vec[0], v.Vec[1])
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindArray:
		return fmt.Sprintf("%v", v.Elems)
	}
	return "<table>"
}

// Tolerance is the largest decode error a bounded prop can introduce.
func Tolerance(p *Prop) float64 {
	if p.Kind == KindArray && p.Element != nil {
		return Tolerance(p.Element)
	}
	if !p.Bounded() || p.Bits <= 0 || p.Bits > 32 {
		return 0
	}
	low, high := p.Range()
	steps := float64(uint64(1)<<uint(p.Bits) - 1)
	return (float64(high) - float64(low)) / steps
}
