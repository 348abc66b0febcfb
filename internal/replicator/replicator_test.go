package replicator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"netstate.dev/internal/config"
	rlog "netstate.dev/internal/persistence/log"
	"netstate.dev/internal/protocol"
	"netstate.dev/internal/replication/schema"
)

type hero struct {
	Health int
	Level  int
	Gold   int
}

type crate struct{ HP int }

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	get := func(f func(*hero) int) schema.Getter {
		return func(o any, _ int) schema.Value { return schema.Int(int64(f(o.(*hero)))) }
	}
	inv := schema.NewTable("Inventory",
		schema.IntProp("gold", 16, 0, get(func(h *hero) int { return h.Gold })),
	)
	reg := schema.NewRegistry()
	err := reg.Register(
		schema.NewTable("Hero",
			schema.IntProp("health", 8, 0, get(func(h *hero) int { return h.Health })),
			schema.IntProp("level", 8, schema.FlagAlwaysResend, get(func(h *hero) int { return h.Level })),
			schema.ProxiedTableProp("inv", inv, nil),
		),
		schema.NewTable("Crate",
			schema.IntProp("hp", 8, 0, func(o any, _ int) schema.Value { return schema.Int(int64(o.(*crate).HP)) }),
		),
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return reg
}

type auditSink struct {
	mu      sync.Mutex
	entries []rlog.AuditEntry
}

func (s *auditSink) WriteAudit(e rlog.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *auditSink) events(name string) []rlog.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rlog.AuditEntry
	for _, e := range s.entries {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type tickSink struct{ entries []rlog.TickEntry }

func (s *tickSink) WriteTick(e rlog.TickEntry) error {
	s.entries = append(s.entries, e)
	return nil
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.MaxClients = 4
	cfg.Workers = 2
	return cfg
}

func nextFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case f := <-c.Frames():
		return f
	default:
		t.Fatalf("no frame queued for %s", c.Name)
	}
	return Frame{}
}

// step runs one tick and has every receiver apply and ack its frame.
func step(t *testing.T, r *Replicator, tick uint32, objs []Object, clients []*Client, recvs []*Receiver) []protocol.FrameHeader {
	t.Helper()
	if _, err := r.Tick(context.Background(), tick, objs); err != nil {
		t.Fatalf("Tick(%d): %v", tick, err)
	}
	out := make([]protocol.FrameHeader, len(clients))
	for i, c := range clients {
		f := nextFrame(t, c)
		h, err := recvs[i].Apply(f.Data, f.Bits)
		if err != nil {
			t.Fatalf("tick %d %s: Apply: %v", tick, c.Name, err)
		}
		if !r.Ack(c, h.Tick) {
			t.Fatalf("tick %d %s: ack refused", tick, c.Name)
		}
		out[i] = h
	}
	return out
}

func value(t *testing.T, rv *Receiver, id uint32, path string) int64 {
	t.Helper()
	st, ok := rv.State(id)
	if !ok {
		t.Fatalf("object %d not held", id)
	}
	v, ok := st.Lookup(path)
	if !ok {
		t.Fatalf("no leaf %q", path)
	}
	return v.Int
}

func TestReplicator_EndToEnd(t *testing.T) {
	reg := testRegistry(t)
	sees := map[int]bool{0: true}
	ticks := &tickSink{}
	r, err := New(Options{
		Config:      testConfig(),
		Registry:    reg,
		Proxy:       func(_ any, _ int, client int) bool { return sees[client] },
		TickLoggers: []TickLogger{ticks},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	owner, _ := r.Connect("owner")
	other, _ := r.Connect("other")
	if owner.Slot != 0 || other.Slot != 1 || owner.ID == other.ID {
		t.Fatalf("slots %d/%d ids %s/%s", owner.Slot, other.Slot, owner.ID, other.ID)
	}
	clients := []*Client{owner, other}
	recvs := []*Receiver{NewReceiver(reg), NewReceiver(reg)}

	h := &hero{Health: 100, Level: 3, Gold: 50}
	cr := &crate{HP: 9}
	objs := []Object{{ID: 1, Table: "Hero", Value: h}, {ID: 2, Table: "Crate", Value: cr}}

	hs := step(t, r, 1, objs, clients, recvs)
	if hs[0].Objects != 2 || hs[0].BaselineTick != 0 {
		t.Fatalf("tick 1 header=%+v", hs[0])
	}
	if got := value(t, recvs[0], 1, "inv.gold"); got != 50 {
		t.Fatalf("owner gold=%d", got)
	}
	if got := value(t, recvs[1], 1, "inv.gold"); got != 0 {
		t.Fatalf("other sees gold=%d", got)
	}
	if got := value(t, recvs[1], 2, "hp"); got != 9 {
		t.Fatalf("crate hp=%d", got)
	}

	// Only the changed object is mentioned; the crate carries over.
	h.Health = 90
	hs = step(t, r, 2, objs, clients, recvs)
	if hs[0].Objects != 1 || hs[0].BaselineTick != 1 {
		t.Fatalf("tick 2 header=%+v", hs[0])
	}
	if value(t, recvs[0], 1, "health") != 90 || value(t, recvs[0], 2, "hp") != 9 {
		t.Fatalf("tick 2 owner state wrong")
	}

	// The inventory becomes visible to other: gold is forced though unchanged.
	sees[1] = true
	hs = step(t, r, 3, objs, clients, recvs)
	if hs[0].Objects != 0 || hs[1].Objects != 1 {
		t.Fatalf("tick 3 objects owner=%d other=%d", hs[0].Objects, hs[1].Objects)
	}
	if got := value(t, recvs[1], 1, "inv.gold"); got != 50 {
		t.Fatalf("other gold after reveal=%d", got)
	}

	// Hidden from owner: gold is reset to the default.
	sees[0] = false
	hs = step(t, r, 4, objs, clients, recvs)
	if hs[0].Objects != 1 || hs[1].Objects != 0 {
		t.Fatalf("tick 4 objects owner=%d other=%d", hs[0].Objects, hs[1].Objects)
	}
	if got := value(t, recvs[0], 1, "inv.gold"); got != 0 {
		t.Fatalf("owner gold after hide=%d", got)
	}
	if got := value(t, recvs[0], 1, "level"); got != 3 {
		t.Fatalf("owner level=%d", got)
	}

	// The crate leaves.
	hs = step(t, r, 5, objs[:1], clients, recvs)
	if hs[0].Objects != 1 {
		t.Fatalf("tick 5 header=%+v", hs[0])
	}
	for i, rv := range recvs {
		if ids := rv.Objects(); len(ids) != 1 || ids[0] != 1 {
			t.Fatalf("receiver %d objects=%v", i, ids)
		}
	}

	if len(ticks.entries) != 5 || ticks.entries[0].Frames != 2 || ticks.entries[4].Objects != 1 {
		t.Fatalf("tick entries=%+v", ticks.entries)
	}
	st := owner.Stats()
	if st.Frames != 5 || st.AckTick != 5 || st.Pending != 0 {
		t.Fatalf("owner stats=%+v", st)
	}

	r.Close()
	if n := r.LiveBuffers(); n != 0 {
		t.Fatalf("live buffers after close=%d", n)
	}
}

func TestReplicator_UnackedFramesStayOnOldBaseline(t *testing.T) {
	reg := testRegistry(t)
	r, err := New(Options{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	c, _ := r.Connect("lossy")
	rv := NewReceiver(reg)

	h := &hero{Health: 10}
	objs := []Object{{ID: 7, Table: "Hero", Value: h}}
	for tick := uint32(1); tick <= 3; tick++ {
		h.Health = int(tick) * 10
		if _, err := r.Tick(context.Background(), tick, objs); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		f := nextFrame(t, c)
		if f.BaselineTick != 0 {
			t.Fatalf("tick %d baseline=%d", tick, f.BaselineTick)
		}
		if _, err := rv.Apply(f.Data, f.Bits); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	if got := value(t, rv, 7, "health"); got != 30 {
		t.Fatalf("health=%d", got)
	}

	// Ack the middle frame: the next one is based on it.
	if !r.Ack(c, 2) {
		t.Fatalf("ack 2 refused")
	}
	if r.Ack(c, 1) {
		t.Fatalf("stale ack accepted")
	}
	h.Health = 40
	if _, err := r.Tick(context.Background(), 4, objs); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	f := nextFrame(t, c)
	if f.BaselineTick != 2 {
		t.Fatalf("baseline=%d want 2", f.BaselineTick)
	}
	if _, err := rv.Apply(f.Data, f.Bits); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := value(t, rv, 7, "health"); got != 40 {
		t.Fatalf("health=%d", got)
	}
}

func TestReceiver_KeepsBaselineBeyondHistory(t *testing.T) {
	reg := testRegistry(t)
	r, err := New(Options{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	c, _ := r.Connect("silent")
	rv := NewReceiver(reg)
	rv.MaxHistory = 4

	h := &hero{Health: 1}
	objs := []Object{{ID: 3, Table: "Hero", Value: h}}
	for tick := uint32(1); tick <= 12; tick++ {
		h.Health = int(tick)
		if _, err := r.Tick(context.Background(), tick, objs); err != nil {
			t.Fatalf("Tick(%d): %v", tick, err)
		}
		f := nextFrame(t, c)
		if f.BaselineTick != 0 {
			t.Fatalf("tick %d baseline=%d", tick, f.BaselineTick)
		}
		if _, err := rv.Apply(f.Data, f.Bits); err != nil {
			t.Fatalf("tick %d: Apply: %v", tick, err)
		}
		if !rv.Held(0) {
			t.Fatalf("tick %d: baseline world 0 evicted", tick)
		}
	}
	if got := value(t, rv, 3, "health"); got != 12 {
		t.Fatalf("health=%d", got)
	}
	if rv.Held(1) {
		t.Fatalf("history bound not enforced")
	}
}

func TestReceiver_UnmentionedObjectsFollowFrameTick(t *testing.T) {
	type timer struct{ Think int }
	reg := schema.NewRegistry()
	err := reg.Register(schema.NewTable("Timer",
		schema.IntProp("think", 16, schema.FlagTickRelative, func(o any, _ int) schema.Value {
			return schema.Int(int64(o.(*timer).Think))
		}),
	))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	r, err := New(Options{Config: testConfig(), Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	c, _ := r.Connect("c")
	rv := NewReceiver(reg)

	tm := &timer{}
	objs := []Object{{ID: 1, Table: "Timer", Value: tm}}
	for tick := uint32(1); tick <= 3; tick++ {
		tm.Think = int(tick) + 10
		hs := step(t, r, tick, objs, []*Client{c}, []*Receiver{rv})
		if tick > 1 && hs[0].Objects != 0 {
			t.Fatalf("tick %d: constant offset resent (%d objects)", tick, hs[0].Objects)
		}
		if got := value(t, rv, 1, "think"); got != int64(tick)+10 {
			t.Fatalf("tick %d: think=%d want %d", tick, got, tick+10)
		}
	}
}

func TestReplicator_FrameLimitAppliesFromFirstTick(t *testing.T) {
	reg := testRegistry(t)
	audits := &auditSink{}
	r, err := New(Options{Config: testConfig(), Registry: reg, AuditLoggers: []AuditLogger{audits}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	c, err := r.ConnectWith(ClientParams{Name: "small", MaxFrameBytes: 4})
	if err != nil {
		t.Fatalf("ConnectWith: %v", err)
	}
	objs := []Object{{ID: 1, Table: "Hero", Value: &hero{Health: 100, Level: 5, Gold: 9}}}
	if _, err := r.Tick(context.Background(), 1, objs); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	select {
	case f := <-c.Frames():
		t.Fatalf("oversized frame of %d bits delivered", f.Bits)
	default:
	}
	if st := c.Stats(); st.Dropped != 1 || st.Frames != 0 {
		t.Fatalf("stats=%+v", st)
	}
	if n := len(audits.events(rlog.AuditDrop)); n != 1 {
		t.Fatalf("drop audits=%d", n)
	}
}

func TestReplicator_DropsOverCapacity(t *testing.T) {
	reg := testRegistry(t)
	cfg := testConfig()
	cfg.DeltaCapacity = 1
	audits := &auditSink{}
	r, err := New(Options{Config: cfg, Registry: reg, AuditLoggers: []AuditLogger{audits}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	c, _ := r.Connect("c")
	rv := NewReceiver(reg)

	objs := []Object{
		{ID: 1, Table: "Hero", Value: &hero{Health: 1, Level: 2, Gold: 3}},
		{ID: 2, Table: "Crate", Value: &crate{HP: 4}},
		{ID: protocol.MaxObjectID + 1, Table: "Crate", Value: &crate{HP: 1}},
		{ID: 3, Table: "Nope", Value: nil},
	}
	entry, err := r.Tick(context.Background(), 1, objs)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if entry.Dropped != 3 || entry.Objects != 2 {
		t.Fatalf("entry=%+v", entry)
	}
	f := nextFrame(t, c)
	if _, err := rv.Apply(f.Data, f.Bits); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ids := rv.Objects(); len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("objects=%v", ids)
	}

	drops := audits.events(rlog.AuditDrop)
	if len(drops) != 3 {
		t.Fatalf("drops=%+v", drops)
	}
	var capacity int
	for _, d := range drops {
		if d.Code == protocol.ErrCapacity {
			capacity++
		}
	}
	if capacity != 2 {
		t.Fatalf("capacity drops=%d", capacity)
	}
	if len(audits.events(rlog.AuditConnect)) != 1 {
		t.Fatalf("connect not audited")
	}
}

func TestReplicator_ServerFull(t *testing.T) {
	reg := testRegistry(t)
	cfg := testConfig()
	cfg.MaxClients = 1
	r, err := New(Options{Config: cfg, Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	a, err := r.Connect("a")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := r.Connect("b"); !errors.Is(err, ErrServerFull) {
		t.Fatalf("want ErrServerFull, got %v", err)
	}
	r.Disconnect(a, "bye")
	r.Disconnect(a, "again")
	select {
	case <-a.Done():
	default:
		t.Fatalf("done not closed")
	}
	if r.Ack(a, 1) {
		t.Fatalf("ack after disconnect accepted")
	}
	b, err := r.Connect("b")
	if err != nil || b.Slot != 0 {
		t.Fatalf("reconnect slot=%v err=%v", b, err)
	}
}

func TestReplicator_QueueFullDropsFrame(t *testing.T) {
	reg := testRegistry(t)
	cfg := testConfig()
	cfg.SendQueue = 1
	r, err := New(Options{Config: cfg, Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	c, _ := r.Connect("slow")
	objs := []Object{{ID: 1, Table: "Crate", Value: &crate{HP: 1}}}
	for tick := uint32(1); tick <= 3; tick++ {
		if _, err := r.Tick(context.Background(), tick, objs); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if st := c.Stats(); st.Frames != 1 || st.Dropped != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestNew_RequiresFinalizedRegistry(t *testing.T) {
	if _, err := New(Options{Config: testConfig(), Registry: schema.NewRegistry()}); err == nil {
		t.Fatalf("unfinalized registry accepted")
	}
}
