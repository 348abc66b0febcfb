// Package config loads replication.yaml.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"netstate.dev/internal/replication/schema"
)

type Config struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`
	MaxClients int `yaml:"max_clients"`
	// Workers bounds the parallel per-client delta pass; 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`

	DeltaCapacity    int `yaml:"delta_capacity"`
	ForcedCapacity   int `yaml:"forced_capacity"`
	MaxPendingFrames int `yaml:"max_pending_frames"`
	MaxFrameObjects  int `yaml:"max_frame_objects"`
	SendQueue        int `yaml:"send_queue"`

	Recording RecordingConfig `yaml:"recording"`
	Logs      LogsConfig      `yaml:"logs"`
	Debug     DebugConfig     `yaml:"debug"`
}

type LogsConfig struct {
	// SegmentTicks starts a new tick/audit log segment every this many ticks.
	SegmentTicks int `yaml:"segment_ticks"`
}

type RecordingConfig struct {
	Enabled bool `yaml:"enabled"`
	// KeyframeEveryTicks writes full snapshots at this interval; deltas in between.
	KeyframeEveryTicks int `yaml:"keyframe_every_ticks"`
	// RotateTicks starts a new recording file after this many ticks.
	RotateTicks int `yaml:"rotate_ticks"`
}

type DebugConfig struct {
	// VerifySnapshots runs the integrity checker on every encoded snapshot.
	VerifySnapshots bool `yaml:"verify_snapshots"`
}

func Defaults() Config {
	return Config{
		ProtocolVersion:  "1.0",
		TickRateHz:       20,
		MaxClients:       64,
		Workers:          0,
		DeltaCapacity:    schema.MaxLeaves,
		ForcedCapacity:   1024,
		MaxPendingFrames: 64,
		MaxFrameObjects:  4096,
		SendQueue:        32,
		Recording: RecordingConfig{
			Enabled:            false,
			KeyframeEveryTicks: 200,
			RotateTicks:        72000,
		},
		Logs: LogsConfig{SegmentTicks: 72000},
	}
}

// Load reads path over Defaults and validates the result.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("replication.yaml: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("replication.yaml: %w", err)
	}
	return c, nil
}

// Normalize fills zero values that have a computed default.
func (c *Config) Normalize() {
	d := Defaults()
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = d.ProtocolVersion
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.DeltaCapacity <= 0 {
		c.DeltaCapacity = d.DeltaCapacity
	}
	if c.ForcedCapacity <= 0 {
		c.ForcedCapacity = d.ForcedCapacity
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = d.MaxPendingFrames
	}
	if c.MaxFrameObjects <= 0 {
		c.MaxFrameObjects = d.MaxFrameObjects
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.Recording.KeyframeEveryTicks <= 0 {
		c.Recording.KeyframeEveryTicks = d.Recording.KeyframeEveryTicks
	}
	if c.Recording.RotateTicks <= 0 {
		c.Recording.RotateTicks = d.Recording.RotateTicks
	}
	if c.Logs.SegmentTicks <= 0 {
		c.Logs.SegmentTicks = d.Logs.SegmentTicks
	}
}

func (c Config) Validate() error {
	switch {
	case c.TickRateHz < 1 || c.TickRateHz > 1000:
		return fmt.Errorf("tick_rate_hz %d out of range [1,1000]", c.TickRateHz)
	case c.MaxClients < 1:
		return fmt.Errorf("max_clients must be positive")
	case c.DeltaCapacity > schema.MaxLeaves:
		return fmt.Errorf("delta_capacity %d exceeds %d", c.DeltaCapacity, schema.MaxLeaves)
	case c.ForcedCapacity > schema.MaxLeaves:
		return fmt.Errorf("forced_capacity %d exceeds %d", c.ForcedCapacity, schema.MaxLeaves)
	case c.MaxFrameObjects > 0xFFFF:
		return fmt.Errorf("max_frame_objects %d does not fit the frame header", c.MaxFrameObjects)
	}
	return nil
}

func (c Config) TickDuration() time.Duration {
	return time.Second / time.Duration(c.TickRateHz)
}
