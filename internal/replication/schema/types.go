// Package schema describes replicated object types (tables of properties) and
// flattens them into the ordered leaf lists the wire format is indexed by.
package schema

import "fmt"

// Kind is the wire type of a property.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
	KindVector
	KindVectorXY
	KindString
	KindArray
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindVector:
		return "vector"
	case KindVectorXY:
		return "vectorxy"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindTable:
		return "table"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := KindInt; k <= KindTable; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

type Flags uint32

const (
	FlagUnsigned Flags = 1 << iota
	// FlagNoScale sends floats as raw IEEE-754 bits.
	FlagNoScale
	// FlagRoundDown and FlagRoundUp shrink the float range by one step so the
	// low (resp. high) endpoint is hit exactly.
	FlagRoundDown
	FlagRoundUp
	FlagVarInt
	// FlagExclude marks a prop that removes an inherited prop instead of declaring one.
	FlagExclude
	FlagInsideArray
	// FlagAlwaysResend leaves are resent whenever a visibility proxy of the
	// object changes state for a client.
	FlagAlwaysResend
	// FlagTickRelative ints are written as (value - tick) so counters that
	// advance with the simulation do not produce deltas.
	FlagTickRelative
	// FlagProxied nested tables are gated per client by a visibility proxy.
	FlagProxied
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagUnsigned, "unsigned"},
	{FlagNoScale, "noscale"},
	{FlagRoundDown, "rounddown"},
	{FlagRoundUp, "roundup"},
	{FlagVarInt, "varint"},
	{FlagExclude, "exclude"},
	{FlagInsideArray, "insidearray"},
	{FlagAlwaysResend, "always_resend"},
	{FlagTickRelative, "tick_relative"},
	{FlagProxied, "proxied"},
}

func ParseFlag(s string) (Flags, bool) {
	for _, fn := range flagNames {
		if fn.name == s {
			return fn.f, true
		}
	}
	return 0, false
}

func (f Flags) Has(o Flags) bool { return f&o == o }

func (f Flags) String() string {
	out := ""
	for _, fn := range flagNames {
		if f&fn.f == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += fn.name
	}
	return out
}

const (
	// MaxLeaves bounds a flattened table. It doubles as the index stream sentinel.
	MaxLeaves = 4096
	// MaxArrayElements bounds Prop.Elements for arrays.
	MaxArrayElements = 1024
	// MaxStringBytes is the longest string payload; longer strings are truncated.
	MaxStringBytes = 511
	// StringLengthBits encodes 0..MaxStringBytes.
	StringLengthBits = 9
)

// Getter reads a leaf value from an object. Element is the array element index, 0 otherwise.
type Getter func(obj any, element int) Value

// LengthFunc reports the current element count of an array prop.
type LengthFunc func(obj any) int

// TableFunc returns the object a nested table reads from, or nil when the
// sub-table is not present.
type TableFunc func(obj any) any

// Prop is one declared property of a Table.
type Prop struct {
	Name  string
	Kind  Kind
	Bits  int
	Low   float32
	High  float32
	Flags Flags

	// Elements is the maximum element count of an array prop; other kinds
	// leave it 0 or 1.
	Elements int
	Element  *Prop

	Table *Table
	// Exclude names the table that declared the prop an exclude marker removes.
	Exclude string

	Get    Getter
	Length LengthFunc
	Sub    TableFunc
}

func (p *Prop) IsExclude() bool { return p.Flags.Has(FlagExclude) }

// Bounded reports whether the prop carries a quantisation range.
func (p *Prop) Bounded() bool {
	switch p.Kind {
	case KindFloat, KindVector, KindVectorXY:
		return !p.Flags.Has(FlagNoScale)
	}
	return false
}

// Range returns the quantisation range after RoundDown/RoundUp adjustment.
func (p *Prop) Range() (low, high float32) {
	low, high = p.Low, p.High
	if p.Bits <= 0 || p.Bits > 32 {
		return low, high
	}
	steps := float32(uint64(1) << uint(p.Bits))
	switch {
	case p.Flags.Has(FlagRoundDown):
		high -= (high - low) / steps
	case p.Flags.Has(FlagRoundUp):
		low += (high - low) / steps
	}
	return low, high
}

// LengthBits is the width of an array's element count prefix.
func (p *Prop) LengthBits() int {
	n := 0
	for v := p.Elements; v > 0; v >>= 1 {
		n++
	}
	return n
}

type Table struct {
	Name  string
	Props []*Prop
}

func NewTable(name string, props ...*Prop) *Table {
	return &Table{Name: name, Props: props}
}

func IntProp(name string, bits int, flags Flags, get Getter) *Prop {
	return &Prop{Name: name, Kind: KindInt, Bits: bits, Flags: flags, Get: get}
}

func FloatProp(name string, bits int, low, high float32, flags Flags, get Getter) *Prop {
	return &Prop{Name: name, Kind: KindFloat, Bits: bits, Low: low, High: high, Flags: flags, Get: get}
}

func VectorProp(name string, bits int, low, high float32, flags Flags, get Getter) *Prop {
	return &Prop{Name: name, Kind: KindVector, Bits: bits, Low: low, High: high, Flags: flags, Get: get}
}

func VectorXYProp(name string, bits int, low, high float32, flags Flags, get Getter) *Prop {
	return &Prop{Name: name, Kind: KindVectorXY, Bits: bits, Low: low, High: high, Flags: flags, Get: get}
}

func StringProp(name string, get Getter) *Prop {
	return &Prop{Name: name, Kind: KindString, Get: get}
}

// ArrayProp declares an array of up to max elements described by elem. A nil
// length func means the array is always full.
func ArrayProp(name string, elem *Prop, max int, length LengthFunc) *Prop {
	if elem != nil {
		elem.Flags |= FlagInsideArray
	}
	return &Prop{Name: name, Kind: KindArray, Elements: max, Element: elem, Length: length}
}

// TableProp embeds t at this position. A nil sub func reads t's props from
// the enclosing object.
func TableProp(name string, t *Table, sub TableFunc) *Prop {
	return &Prop{Name: name, Kind: KindTable, Table: t, Sub: sub}
}

// ProxiedTableProp embeds t behind a per-client visibility proxy.
func ProxiedTableProp(name string, t *Table, sub TableFunc) *Prop {
	p := TableProp(name, t, sub)
	p.Flags |= FlagProxied
	return p
}

// ExcludeProp removes prop name, declared by table, from the flattened result.
func ExcludeProp(table, name string) *Prop {
	return &Prop{Name: name, Flags: FlagExclude, Exclude: table}
}
