// Package visibility narrows per-client leaf lists by proxy node and forces
// resends when a node's visibility changes.
package visibility

import (
	"netstate.dev/internal/replication/bitset"
	"netstate.dev/internal/replication/delta"
	"netstate.dev/internal/replication/replerr"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/snapshot"
)

// ProxyFunc reports whether client may see proxy node. Node 0 is never asked.
type ProxyFunc func(client, node int) bool

// Result is one client's effective visibility per proxy node.
type Result struct {
	nodes   int
	visible bitset.Set
}

// FromBits rebuilds a Result saved with Bits.
func FromBits(nodes int, bits bitset.Set) Result {
	return Result{nodes: nodes, visible: bits}
}

func (r Result) Nodes() int         { return r.nodes }
func (r Result) Bits() bitset.Set   { return r.visible }
func (r Result) Visible(n int) bool { return r.visible.Has(n) }

func (r Result) Equal(o Result) bool {
	return r.nodes == o.nodes && r.visible.Equal(o.visible)
}

// RecipientProxy answers from the recipient masks cached in a snapshot.
func RecipientProxy(s *snapshot.Snapshot) ProxyFunc {
	x := s.Extra()
	return func(client, node int) bool { return x.Visible(client, node) }
}

// Outcome is one client's culled view of an object for a tick.
type Outcome struct {
	Send  delta.IndexSet
	Clear delta.IndexSet
	// Entered and Left list proxy nodes that changed state.
	Entered []int
	Left    []int
}

type Culler struct {
	flat *schema.Flat
	// MaxForced bounds the leaves one Cull may force.
	MaxForced int
}

func NewCuller(flat *schema.Flat, maxForced int) *Culler {
	if maxForced <= 0 {
		maxForced = schema.MaxLeaves
	}
	return &Culler{flat: flat, MaxForced: maxForced}
}

func (c *Culler) Flat() *schema.Flat { return c.flat }

// Evaluate computes effective visibility: a node is visible when its proxy
// says so and its parent is visible. Node 0 is always visible.
func (c *Culler) Evaluate(client int, proxy ProxyFunc) Result {
	nodes := c.flat.Nodes
	r := Result{nodes: len(nodes), visible: bitset.New(len(nodes))}
	r.visible.Set(0)
	for n := 1; n < len(nodes); n++ {
		if r.visible.Has(nodes[n].Parent) && proxy(client, n) {
			r.visible.Set(n)
		}
	}
	return r
}

// Candidates lists every leaf whose node is visible in r.
func (c *Culler) Candidates(r Result) delta.IndexSet {
	out := make(delta.IndexSet, 0, len(c.flat.Leaves))
	for i := range c.flat.Leaves {
		if r.Visible(c.flat.Leaves[i].Node) {
			out = append(out, i)
		}
	}
	return out
}

// Cull filters candidates to leaves visible in cur and adds the leaves whose
// node became visible since prev. Leaves whose node became hidden are
// returned in Clear. A nil prev means the client has no history, so nothing
// transitions.
func (c *Culler) Cull(prev *Result, cur Result, candidates delta.IndexSet) (Outcome, error) {
	var out Outcome
	if prev != nil {
		for n := 0; n < cur.nodes; n++ {
			was, is := prev.Visible(n), cur.Visible(n)
			switch {
			case is && !was:
				out.Entered = append(out.Entered, n)
			case was && !is:
				out.Left = append(out.Left, n)
			}
		}
	}
	transitioned := len(out.Entered) > 0 || len(out.Left) > 0

	var forced delta.IndexSet
	send := make(delta.IndexSet, 0, len(candidates))
	k := 0
	for i := range c.flat.Leaves {
		l := &c.flat.Leaves[i]
		inCandidates := false
		for k < len(candidates) && candidates[k] < i {
			k++
		}
		if k < len(candidates) && candidates[k] == i {
			inCandidates = true
		}

		visible := cur.Visible(l.Node)
		if !visible {
			if prev != nil && prev.Visible(l.Node) {
				out.Clear = append(out.Clear, i)
			}
			continue
		}
		entered := prev != nil && !prev.Visible(l.Node)
		resend := transitioned && l.Prop.Flags.Has(schema.FlagAlwaysResend)
		switch {
		case entered || resend:
			forced = append(forced, i)
			send = append(send, i)
		case inCandidates:
			send = append(send, i)
		}
	}
	if len(forced) > c.MaxForced {
		return Outcome{}, &replerr.CapacityError{What: "forced resend " + c.flat.Name(), Limit: c.MaxForced, Need: len(forced)}
	}
	out.Send = send
	return out, nil
}
