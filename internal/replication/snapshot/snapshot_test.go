package snapshot

import (
	"sync"
	"testing"

	"netstate.dev/internal/replication/schema"
)

type weapon struct {
	Clip  int
	Ammo  []int
	Owner string
}

type player struct {
	Health    int
	Armor     int
	Name      string
	Pos       [3]float32
	NextThink int
	Weapon    *weapon
}

func playerTable() *schema.Table {
	weaponT := schema.NewTable("Weapon",
		schema.IntProp("clip", 8, schema.FlagUnsigned, func(o any, _ int) schema.Value { return schema.Int(int64(o.(*weapon).Clip)) }),
		schema.ArrayProp("ammo",
			schema.IntProp("count", 8, schema.FlagUnsigned, func(o any, i int) schema.Value { return schema.Int(int64(o.(*weapon).Ammo[i])) }),
			4,
			func(o any) int { return len(o.(*weapon).Ammo) }),
	)
	return schema.NewTable("Player",
		schema.IntProp("health", 8, schema.FlagUnsigned, func(o any, _ int) schema.Value { return schema.Int(int64(o.(*player).Health)) }),
		schema.IntProp("armor", 8, schema.FlagUnsigned, func(o any, _ int) schema.Value { return schema.Int(int64(o.(*player).Armor)) }),
		schema.StringProp("name", func(o any, _ int) schema.Value { return schema.String(o.(*player).Name) }),
		schema.VectorProp("origin", 20, -4096, 4096, 0, func(o any, _ int) schema.Value {
			p := o.(*player).Pos
			return schema.Vector(p[0], p[1], p[2])
		}),
		schema.IntProp("next_think", 16, schema.FlagTickRelative, func(o any, _ int) schema.Value { return schema.Int(int64(o.(*player).NextThink)) }),
		schema.ProxiedTableProp("weapon", weaponT, func(o any) any {
			if w := o.(*player).Weapon; w != nil {
				return w
			}
			return nil
		}),
	)
}

func playerFlat(t *testing.T) *schema.Flat {
	t.Helper()
	f, err := schema.Flatten(playerTable())
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	return f
}

func leaf(t *testing.T, f *schema.Flat, path string) int {
	t.Helper()
	i, ok := f.Lookup(path)
	if !ok {
		t.Fatalf("no leaf %q", path)
	}
	return i
}

func TestEncode_FullRoundTrip(t *testing.T) {
	f := playerFlat(t)
	p := &player{Health: 100, Armor: 50, Name: "Bob", Pos: [3]float32{10, -20, 30.5}, NextThink: 1005,
		Weapon: &weapon{Clip: 7, Ammo: []int{3, 0, 9}}}
	enc := &Encoder{Verify: true}
	snap, err := enc.Encode(p, f, 1000, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	defer snap.Release()
	if snap.Entries() != f.Len() {
		t.Fatalf("entries=%d want %d", snap.Entries(), f.Len())
	}

	st, err := Decode(snap)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v, _ := st.Lookup("health"); v.Int != 100 {
		t.Fatalf("health=%v", v)
	}
	if v, _ := st.Lookup("name"); v.Str != "Bob" {
		t.Fatalf("name=%v", v)
	}
	if v, _ := st.Lookup("next_think"); v.Int != 1005 {
		t.Fatalf("next_think resolved to %d want 1005", v.Int)
	}
	if v := st.Raw(leaf(t, f, "next_think")); v.Int != 5 {
		t.Fatalf("next_think raw=%d want 5", v.Int)
	}
	if v, _ := st.Lookup("weapon.ammo"); len(v.Elems) != 3 || v.Elems[2].Int != 9 {
		t.Fatalf("ammo=%v", v)
	}
	origin, _ := st.Lookup("origin")
	if !origin.ApproxEqual(schema.Vector(10, -20, 30.5), schema.Tolerance(f.Prop(leaf(t, f, "origin")))) {
		t.Fatalf("origin=%v", origin)
	}
}

func TestEncode_NonZeroOnlySkipsDefaults(t *testing.T) {
	f := playerFlat(t)
	p := &player{Health: 100, NextThink: 10, Weapon: &weapon{}}
	snap, err := (&Encoder{}).Encode(p, f, 10, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	defer snap.Release()

	var got []int
	ir := snap.Indices()
	for idx := ir.Next(); idx >= 0 && idx < f.Len(); idx = ir.Next() {
		got = append(got, idx)
	}
	if len(got) != 1 || got[0] != leaf(t, f, "health") {
		t.Fatalf("indices=%v want only health", got)
	}
}

func TestEncode_TickRelativeZeroIsSkipped(t *testing.T) {
	f := playerFlat(t)
	p := &player{NextThink: 42}
	snap, err := (&Encoder{}).Encode(p, f, 42, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	defer snap.Release()
	if snap.Entries() != 0 {
		t.Fatalf("entries=%d want 0", snap.Entries())
	}
	st, err := Decode(snap)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v, _ := st.Lookup("next_think"); v.Int != 42 {
		t.Fatalf("resolved next_think=%d want 42", v.Int)
	}
}

func TestEncode_AbsentSubTableIsNotWritten(t *testing.T) {
	f := playerFlat(t)
	snap, err := (&Encoder{}).Encode(&player{Health: 1}, f, 0, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	defer snap.Release()
	ir := snap.Indices()
	clip := leaf(t, f, "weapon.clip")
	for idx := ir.Next(); idx < f.Len(); idx = ir.Next() {
		if idx >= clip {
			t.Fatalf("weapon leaf %d written without a weapon", idx)
		}
	}
}

func TestEncode_DoesNotMutateSource(t *testing.T) {
	f := playerFlat(t)
	p := &player{Health: 300, Name: "x", Weapon: &weapon{Ammo: []int{1, 2, 3, 4, 5, 6}}}
	snap, err := (&Encoder{}).Encode(p, f, 0, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	snap.Release()
	if p.Health != 300 || len(p.Weapon.Ammo) != 6 {
		t.Fatalf("source mutated: %+v %+v", p, p.Weapon)
	}
}

func TestEncode_RecipientsCached(t *testing.T) {
	f := playerFlat(t)
	enc := &Encoder{
		Clients:    3,
		Recipients: func(_ any, node, client int) bool { return client != 1 },
	}
	snap, err := enc.Encode(&player{Weapon: &weapon{}}, f, 0, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	defer snap.Release()
	x := snap.Extra()
	if !x.Visible(1, 0) {
		t.Fatalf("root node must be visible to every client")
	}
	if !x.Visible(0, 1) || x.Visible(1, 1) || !x.Visible(2, 1) {
		t.Fatalf("recipients=%v", x.Recipients)
	}
}

func TestPool_ReleaseReturnsBuffer(t *testing.T) {
	f := playerFlat(t)
	pool := NewPool()
	enc := &Encoder{Pool: pool}
	snap, err := enc.Encode(&player{Health: 5}, f, 0, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if pool.Live() != 1 {
		t.Fatalf("live=%d want 1", pool.Live())
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		snap.Retain()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer snap.Release()
			if _, err := Decode(snap); err != nil {
				t.Errorf("Decode: %v", err)
			}
		}()
	}
	wg.Wait()
	if snap.Refs() != 1 || pool.Live() != 1 {
		t.Fatalf("refs=%d live=%d", snap.Refs(), pool.Live())
	}
	snap.Release()
	if pool.Live() != 0 {
		t.Fatalf("live=%d after last release", pool.Live())
	}
}

func TestSnapshot_ReleaseTwicePanics(t *testing.T) {
	snap := FromBytes(playerFlat(t), 0, []byte{0}, 1)
	snap.Release()
	defer func() {
		if recover() == nil {
			t.Fatalf("second release did not panic")
		}
	}()
	snap.Release()
}

func TestStore_PutReleasesPrevious(t *testing.T) {
	f := playerFlat(t)
	s := NewStore()
	a := FromBytes(f, 1, []byte{0}, 1)
	b := FromBytes(f, 2, []byte{0}, 1)
	s.Put(7, a.Retain())
	s.Put(7, b)
	if a.Refs() != 1 {
		t.Fatalf("old slot reference not released: refs=%d", a.Refs())
	}
	cur, ok := s.Current(7)
	if !ok || cur != b || b.Refs() != 2 {
		t.Fatalf("current=%v ok=%v refs=%d", cur, ok, b.Refs())
	}
	cur.Release()
	s.Close()
	if b.Refs() != 0 {
		t.Fatalf("close left refs=%d", b.Refs())
	}
	a.Release()
}

func TestBaselines_AckPromotesAndDropsOlder(t *testing.T) {
	f := playerFlat(t)
	s1 := FromBytes(f, 1, []byte{0}, 1)
	s2 := FromBytes(f, 2, []byte{0}, 1)
	s3 := FromBytes(f, 3, []byte{0}, 1)

	b := NewBaselines(8)
	b.Sent(1, map[uint32]Baseline{9: {Snap: s1}})
	b.Sent(2, map[uint32]Baseline{9: {Snap: s2}})
	b.Sent(3, map[uint32]Baseline{9: {Snap: s3}})

	if !b.Ack(2) {
		t.Fatalf("Ack(2) rejected")
	}
	if b.AckTick() != 2 || b.Pending() != 1 {
		t.Fatalf("ackTick=%d pending=%d", b.AckTick(), b.Pending())
	}
	if bl, ok := b.Acked(9); !ok || bl.Snap != s2 {
		t.Fatalf("acked baseline wrong")
	}
	if s1.Refs() != 1 || s2.Refs() != 2 {
		t.Fatalf("refs s1=%d s2=%d", s1.Refs(), s2.Refs())
	}
	if b.Ack(1) {
		t.Fatalf("stale ack accepted")
	}

	b.Release()
	for _, s := range []*Snapshot{s1, s2, s3} {
		if s.Refs() != 1 {
			t.Fatalf("tick %d refs=%d after Release", s.Tick(), s.Refs())
		}
		s.Release()
	}
}

func TestBaselines_MaxPendingDropsOldest(t *testing.T) {
	f := playerFlat(t)
	b := NewBaselines(2)
	var snaps []*Snapshot
	for tick := uint32(1); tick <= 3; tick++ {
		s := FromBytes(f, tick, []byte{0}, 1)
		snaps = append(snaps, s)
		b.Sent(tick, map[uint32]Baseline{1: {Snap: s}})
	}
	if b.Pending() != 2 || snaps[0].Refs() != 1 {
		t.Fatalf("pending=%d refs=%d", b.Pending(), snaps[0].Refs())
	}
	if b.Ack(1) {
		t.Fatalf("ack of evicted frame accepted")
	}
	b.Release()
}
