package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "replication.yaml")
	raw := `
tick_rate_hz: 10
workers: 3
debug:
  verify_snapshots: true
recording:
  enabled: true
`
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.TickRateHz != 10 || c.Workers != 3 || !c.Debug.VerifySnapshots || !c.Recording.Enabled {
		t.Fatalf("cfg=%+v", c)
	}
	if c.MaxClients != Defaults().MaxClients || c.Recording.KeyframeEveryTicks != 200 {
		t.Fatalf("defaults not kept: %+v", c)
	}
	if c.TickDuration() != 100*time.Millisecond {
		t.Fatalf("tick duration=%v", c.TickDuration())
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	for name, raw := range map[string]string{
		"rate":    "tick_rate_hz: 0\n",
		"objects": "max_frame_objects: 70000\n",
		"yaml":    "tick_rate_hz: [\n",
	} {
		p := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("want not-exist error, got %v", err)
	}
}

func TestNormalize_FillsWorkers(t *testing.T) {
	c := Config{TickRateHz: 5, MaxClients: 1}
	c.Normalize()
	if c.Workers < 1 || c.SendQueue != Defaults().SendQueue || c.Logs.SegmentTicks != 72000 {
		t.Fatalf("normalize: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
