package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"netstate.dev/internal/config"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/schemadef"
	"netstate.dev/internal/replicator"
)

func loadRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	doc, err := schemadef.Load("../../configs/schema.yaml")
	if err != nil {
		t.Fatalf("schemadef.Load: %v", err)
	}
	reg := schema.NewRegistry()
	if err := doc.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return reg
}

func TestDemoWorld_ReplicatesWithShippedConfigs(t *testing.T) {
	reg := loadRegistry(t)
	cfg, err := config.Load("../../configs/replication.yaml")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	rep, err := replicator.New(replicator.Options{Config: cfg, Registry: reg, Proxy: demoProxy})
	if err != nil {
		t.Fatalf("replicator.New: %v", err)
	}
	defer rep.Close()
	c, err := rep.Connect("t")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rv := replicator.NewReceiver(reg)
	demo := newDemoWorld(7, 3, 8)
	last := &lastTick{}
	for tick := uint32(1); tick <= 60; tick++ {
		e, err := rep.Tick(context.Background(), tick, demo.Objects(tick))
		if err != nil {
			t.Fatalf("Tick(%d): %v", tick, err)
		}
		_ = last.WriteTick(e)
		if e.Dropped != 0 {
			t.Fatalf("tick %d dropped %d", tick, e.Dropped)
		}
		var f replicator.Frame
		select {
		case f = <-c.Frames():
		case <-time.After(2 * time.Second):
			t.Fatalf("no frame for tick %d", tick)
		}
		h, err := rv.Apply(f.Data, f.Bits)
		if err != nil {
			t.Fatalf("Apply(%d): %v", tick, err)
		}
		rep.Ack(c, h.Tick)
	}

	if got, want := len(rv.Objects()), len(demo.players)+len(demo.crates); got != want {
		t.Fatalf("objects=%d want %d", got, want)
	}
	for i, p := range demo.players {
		st, ok := rv.State(uint32(i + 1))
		if !ok {
			t.Fatalf("player %d missing", i+1)
		}
		if v, _ := st.Lookup("health"); v.Int != int64(p["health"].(int)) {
			t.Fatalf("player %d health=%v want %v", i+1, v, p["health"])
		}
		if v, _ := st.Lookup("name"); v.Str != p["name"] {
			t.Fatalf("player %d name=%v", i+1, v)
		}
		gold, _ := st.Lookup("inventory.gold")
		inv := p["inventory"].(schemadef.Object)
		if i == 0 && gold.Int != int64(inv["gold"].(int)) {
			t.Fatalf("own inventory gold=%v want %v", gold, inv["gold"])
		}
		if i != 0 && gold.Int != 0 {
			t.Fatalf("player %d inventory leaked to slot 0: gold=%v", i+1, gold)
		}
	}
	for id, crate := range demo.crates {
		st, ok := rv.State(id)
		if !ok {
			t.Fatalf("crate %d missing", id)
		}
		if v, _ := st.Lookup("hp"); v.Int != int64(crate["hp"].(int)) {
			t.Fatalf("crate %d hp=%v want %v", id, v, crate["hp"])
		}
	}

	rw := httptest.NewRecorder()
	writeMetrics(rw, "s1", last.Get(), rep, nil)
	body := rw.Body.String()
	for _, want := range []string{
		`netstate_tick{server="s1"} 60`,
		`netstate_clients{server="s1"} 1`,
		`netstate_client_frames_total{server="s1",slot="0"} 60`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestDemoProxy_OwnerOnly(t *testing.T) {
	p := schemadef.Object{"owner": 2}
	if !demoProxy(p, 1, 2) || demoProxy(p, 1, 0) {
		t.Fatalf("proxy should admit only the owner slot")
	}
	if demoProxy("not an object", 1, 0) {
		t.Fatalf("proxy admitted a foreign value")
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}
