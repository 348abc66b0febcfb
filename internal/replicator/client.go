package replicator

import (
	"sync"

	"netstate.dev/internal/replication/snapshot"
)

// Frame is one encoded update frame ready for the transport.
type Frame struct {
	Tick         uint32
	BaselineTick uint32
	Objects      int
	Bits         int
	Data         []byte
}

// ClientStats are per-session counters, read by the transport for STATS.
type ClientStats struct {
	Frames  uint64
	Bits    uint64
	Dropped uint64
	AckTick uint32
	Pending int
}

// Client is one connected session. Its baselines are touched by the tick
// worker and the ack path, serialized by mu.
type Client struct {
	ID   string
	Slot int
	Name string

	maxFrameBytes int

	out  chan Frame
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	baselines *snapshot.Baselines
	stale     bool
	stats     ClientStats
}

// ClientParams describe a session at Connect time. They are fixed for the
// life of the session.
type ClientParams struct {
	Name string
	// MaxFrameBytes drops frames above this size; 0 means no limit.
	MaxFrameBytes int
}

func (c *Client) MaxFrameBytes() int { return c.maxFrameBytes }

// Frames delivers update frames in tick order. Frames are dropped, not
// queued, when the transport falls behind.
func (c *Client) Frames() <-chan Frame { return c.out }

// Done is closed when the session is disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	if c.baselines != nil {
		st.AckTick = c.baselines.AckTick()
		st.Pending = c.baselines.Pending()
	}
	return st
}

func (c *Client) deliver(f Frame) bool {
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}
