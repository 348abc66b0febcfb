package schemadef

import (
	"netstate.dev/internal/replication/schema"
)

// Object is a dynamic replicated object. Nested tables are Objects (nil or
// missing when absent), arrays are []any, vectors are [3]float32 or any
// numeric slice.
type Object map[string]any

func asObject(o any) Object {
	switch v := o.(type) {
	case Object:
		return v
	case map[string]any:
		return v
	}
	return nil
}

// Getter reads field name of an Object as kind.
func Getter(name string, kind schema.Kind) schema.Getter {
	return func(o any, _ int) schema.Value {
		return ToValue(kind, asObject(o)[name])
	}
}

// ElementGetter reads element i of the array field name.
func ElementGetter(name string, kind schema.Kind) schema.Getter {
	return func(o any, i int) schema.Value {
		elems := asSlice(asObject(o)[name])
		if i < 0 || i >= len(elems) {
			return schema.Value{Kind: kind}
		}
		return ToValue(kind, elems[i])
	}
}

// Length reports the element count of the array field name.
func Length(name string) schema.LengthFunc {
	return func(o any) int { return len(asSlice(asObject(o)[name])) }
}

// SubObject returns the nested Object stored under name, or nil.
func SubObject(name string) schema.TableFunc {
	return func(o any) any {
		sub := asObject(asObject(o)[name])
		if sub == nil {
			return nil
		}
		return sub
	}
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []float64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	return nil
}

func toFloat(v any) float32 {
	switch n := v.(type) {
	case float32:
		return n
	case float64:
		return float32(n)
	case int:
		return float32(n)
	case int64:
		return float32(n)
	case int32:
		return float32(n)
	case uint32:
		return float32(n)
	}
	return 0
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

// ToValue converts a raw Go value to a schema value of kind. Unknown shapes
// become the default.
func ToValue(kind schema.Kind, v any) schema.Value {
	switch kind {
	case schema.KindInt:
		return schema.Int(toInt(v))
	case schema.KindFloat:
		return schema.Float(toFloat(v))
	case schema.KindVector, schema.KindVectorXY:
		var vec [3]float32
		switch a := v.(type) {
		case [3]float32:
			vec = a
		case [2]float32:
			vec[0], vec[1] = a[0], a[1]
		default:
			for i, e := range asSlice(v) {
				if i < 3 {
					vec[i] = toFloat(e)
				}
			}
		}
		if kind == schema.KindVectorXY {
			return schema.VectorXY(vec[0], vec[1])
		}
		return schema.Vector(vec[0], vec[1], vec[2])
	case schema.KindString:
		s, _ := v.(string)
		return schema.String(s)
	}
	return schema.Value{Kind: kind}
}
