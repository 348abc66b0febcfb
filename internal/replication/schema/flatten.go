package schema

import (
	"strings"

	"netstate.dev/internal/replication/replerr"
)

// Leaf is one individually addressable property of a flattened table.
type Leaf struct {
	Index int
	Prop  *Prop
	// Owner indexes Flat.Tables: the table instance whose object the leaf reads from.
	Owner int
	// Node indexes Flat.Nodes: the innermost visibility proxy gating the leaf.
	Node int
	Path string
}

// TableInst is one embedding of a table in the flattened hierarchy. Instances
// are listed parents first.
type TableInst struct {
	Table  *Table
	Via    *Prop
	Parent int
	Node   int
	Path   string
}

// ProxyNode is a visibility gate. Node 0 is the root and is always visible.
type ProxyNode struct {
	Parent int
	Via    *Prop
	Path   string
	// Leaves lists every leaf under the node, nested nodes included, ascending.
	Leaves []int
}

// Flat is the flattened, immutable form of a root table.
type Flat struct {
	ID     int
	Table  *Table
	Leaves []Leaf
	Tables []TableInst
	Nodes  []ProxyNode
	CRC    uint32
}

func (f *Flat) Name() string     { return f.Table.Name }
func (f *Flat) Len() int         { return len(f.Leaves) }
func (f *Flat) Prop(i int) *Prop { return f.Leaves[i].Prop }
func (f *Flat) NumNodes() int    { return len(f.Nodes) }
func (f *Flat) Leaf(i int) *Leaf { return &f.Leaves[i] }

// Lookup finds a leaf by its dotted path.
func (f *Flat) Lookup(path string) (int, bool) {
	for i := range f.Leaves {
		if f.Leaves[i].Path == path {
			return i, true
		}
	}
	return 0, false
}

type flattener struct {
	root   *Table
	leaves []Leaf
	tables []TableInst
	nodes  []ProxyNode
	stack  []*Table
}

// Flatten expands t depth-first in declaration order and computes its CRC.
func Flatten(t *Table) (*Flat, error) {
	if t == nil {
		return nil, replerr.Schemaf("", "", "nil table")
	}
	fl := &flattener{root: t}
	fl.nodes = append(fl.nodes, ProxyNode{Parent: -1})
	fl.tables = append(fl.tables, TableInst{Table: t, Parent: -1})
	if err := fl.walk(0); err != nil {
		return nil, err
	}
	if len(fl.leaves) > MaxLeaves {
		return nil, replerr.Schemaf(t.Name, "", "%d leaves exceeds the limit of %d", len(fl.leaves), MaxLeaves)
	}

	f := &Flat{Table: t, Leaves: fl.leaves, Tables: fl.tables, Nodes: fl.nodes}
	for i := range f.Leaves {
		f.Leaves[i].Index = i
		for n := f.Leaves[i].Node; n >= 0; n = f.Nodes[n].Parent {
			f.Nodes[n].Leaves = append(f.Nodes[n].Leaves, i)
		}
	}
	f.CRC = tableCRC(f)
	return f, nil
}

func (fl *flattener) walk(inst int) error {
	t := fl.tables[inst].Table
	for _, s := range fl.stack {
		if s == t {
			return replerr.Schemaf(t.Name, "", "table embeds itself")
		}
	}
	fl.stack = append(fl.stack, t)
	defer func() { fl.stack = fl.stack[:len(fl.stack)-1] }()

	for _, p := range t.Props {
		if p == nil {
			return replerr.Schemaf(t.Name, "", "nil prop")
		}
		if p.IsExclude() {
			if err := fl.exclude(t, p); err != nil {
				return err
			}
			continue
		}
		if err := validateProp(t, p); err != nil {
			return err
		}
		if p.Kind == KindTable {
			node := fl.tables[inst].Node
			path := joinPath(fl.tables[inst].Path, p.Name)
			if p.Flags.Has(FlagProxied) {
				fl.nodes = append(fl.nodes, ProxyNode{Parent: node, Via: p, Path: path})
				node = len(fl.nodes) - 1
			}
			fl.tables = append(fl.tables, TableInst{Table: p.Table, Via: p, Parent: inst, Node: node, Path: path})
			if err := fl.walk(len(fl.tables) - 1); err != nil {
				return err
			}
			continue
		}
		fl.leaves = append(fl.leaves, Leaf{
			Prop:  p,
			Owner: inst,
			Node:  fl.tables[inst].Node,
			Path:  joinPath(fl.tables[inst].Path, p.Name),
		})
	}
	return nil
}

// exclude drops every accumulated leaf declared as (x.Exclude, x.Name), or
// reached through an embedding of that name.
func (fl *flattener) exclude(t *Table, x *Prop) error {
	if x.Exclude == "" || x.Name == "" {
		return replerr.Schemaf(t.Name, x.Name, "exclude marker needs a table and a prop name")
	}
	kept := fl.leaves[:0]
	removed := 0
	for _, l := range fl.leaves {
		if fl.excluded(l, x) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	fl.leaves = kept
	if removed == 0 {
		return replerr.Schemaf(t.Name, x.Name, "exclude target %s.%s not found", x.Exclude, x.Name)
	}
	return nil
}

func (fl *flattener) excluded(l Leaf, x *Prop) bool {
	if fl.tables[l.Owner].Table.Name == x.Exclude && l.Prop.Name == x.Name {
		return true
	}
	for i := l.Owner; i > 0; i = fl.tables[i].Parent {
		ti := fl.tables[i]
		if fl.tables[ti.Parent].Table.Name == x.Exclude && ti.Via.Name == x.Name {
			return true
		}
	}
	return false
}

func validateProp(t *Table, p *Prop) error {
	if strings.TrimSpace(p.Name) == "" {
		return replerr.Schemaf(t.Name, "", "prop without a name")
	}
	if p.Kind != KindArray && p.Elements != 0 && p.Elements != 1 {
		return replerr.Schemaf(t.Name, p.Name, "non-array prop declares %d elements", p.Elements)
	}
	switch p.Kind {
	case KindTable:
		if p.Table == nil {
			return replerr.Schemaf(t.Name, p.Name, "table prop without a table")
		}
		return nil
	case KindArray:
		if p.Element == nil {
			return replerr.Schemaf(t.Name, p.Name, "array without an element prop")
		}
		if p.Element.Kind == KindTable {
			return replerr.Schemaf(t.Name, p.Name, "arrays of tables are not supported")
		}
		if p.Element.Kind == KindArray {
			return replerr.Schemaf(t.Name, p.Name, "nested arrays are not supported")
		}
		if p.Elements < 1 || p.Elements > MaxArrayElements {
			return replerr.Schemaf(t.Name, p.Name, "array element count %d out of range [1,%d]", p.Elements, MaxArrayElements)
		}
		return validateScalar(t, p.Name, p.Element)
	}
	return validateScalar(t, p.Name, p)
}

func validateScalar(t *Table, name string, p *Prop) error {
	switch p.Kind {
	case KindInt:
		if p.Flags.Has(FlagVarInt) {
			return nil
		}
		if p.Bits < 1 || p.Bits > 32 {
			return replerr.Schemaf(t.Name, name, "int bit width %d out of range [1,32]", p.Bits)
		}
	case KindFloat, KindVector, KindVectorXY:
		if p.Flags.Has(FlagNoScale) {
			return nil
		}
		if p.Bits < 1 || p.Bits > 32 {
			return replerr.Schemaf(t.Name, name, "float bit width %d out of range [1,32]", p.Bits)
		}
		if !(p.High > p.Low) {
			return replerr.Schemaf(t.Name, name, "empty float range [%g,%g]", p.Low, p.High)
		}
		if p.Flags.Has(FlagRoundDown) && p.Flags.Has(FlagRoundUp) {
			return replerr.Schemaf(t.Name, name, "rounddown and roundup are exclusive")
		}
	case KindString:
	default:
		return replerr.Schemaf(t.Name, name, "unsupported leaf kind %s", p.Kind)
	}
	return nil
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}
