package replicator

import (
	"fmt"

	"netstate.dev/internal/bitbuf"
	rlog "netstate.dev/internal/persistence/log"
	"netstate.dev/internal/protocol"
	"netstate.dev/internal/replication/bitset"
	"netstate.dev/internal/replication/delta"
	"netstate.dev/internal/replication/snapshot"
	"netstate.dev/internal/replication/visibility"
)

type frameResult struct {
	sent    bool
	bits    int
	dropped int
}

// replicate builds c's frame for tick against its acknowledged baseline.
//
// Every object the client holds after the frame is in the frame's baseline
// map. An object the frame does not mention keeps its acknowledged snapshot,
// which is exactly what the receiver carries over.
func (r *Replicator) replicate(tick uint32, c *Client, ids []uint32) frameResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res frameResult
	if c.closed {
		return res
	}
	b := c.baselines

	body := bitbuf.NewWriter(256)
	rec := bitbuf.NewWriter(64)
	objects := make(map[uint32]snapshot.Baseline, len(ids))
	var held []*snapshot.Snapshot
	defer func() {
		for _, s := range held {
			s.Release()
		}
	}()

	count := 0
	live := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
		base, has := b.Acked(id)
		if count >= r.cfg.MaxFrameObjects {
			if has {
				objects[id] = base
			}
			continue
		}
		cur, ok := r.store.Current(id)
		if !ok {
			continue
		}
		held = append(held, cur)

		if has && base.Snap.Flat() != cur.Flat() {
			// Same id, different table: start over from a create.
			has = false
		}
		kind, vis, err := r.writeObject(rec, c, base, has, cur)
		if err != nil {
			res.dropped++
			r.drop(tick, c, id, err)
			if has {
				objects[id] = base
			}
			continue
		}
		if kind < 0 {
			objects[id] = base
			continue
		}
		protocol.WriteObjectHeader(body, protocol.ObjectHeader{ID: uint16(id), Kind: protocol.ObjectKind(kind), Table: cur.Flat().ID})
		body.Append(rec)
		objects[id] = snapshot.Baseline{Snap: cur, Vis: vis}
		count++
	}

	for _, id := range b.AckedIDs() {
		if _, ok := live[id]; ok {
			continue
		}
		if count >= r.cfg.MaxFrameObjects {
			// Still held; the leave goes out with a later frame.
			base, _ := b.Acked(id)
			objects[id] = base
			continue
		}
		protocol.WriteObjectHeader(body, protocol.ObjectHeader{ID: uint16(id), Kind: protocol.ObjectLeave})
		count++
	}

	out := bitbuf.NewWriter(len(body.Bytes()) + 10)
	protocol.WriteFrameHeader(out, protocol.FrameHeader{Tick: tick, BaselineTick: b.AckTick(), Objects: uint16(count)})
	out.Append(body)

	if c.maxFrameBytes > 0 && len(out.Bytes()) > c.maxFrameBytes {
		res.dropped++
		c.stats.Dropped++
		r.drop(tick, c, 0, fmt.Errorf("frame of %d bytes exceeds client limit %d", len(out.Bytes()), c.maxFrameBytes))
		return res
	}

	b.Sent(tick, objects)
	if !c.stale && b.MaxPending > 0 && b.Pending() >= b.MaxPending {
		c.stale = true
		r.audit(rlog.AuditEntry{Tick: tick, Event: rlog.AuditStale, Session: c.ID, Client: c.Slot, Code: protocol.ErrStale,
			Reason: fmt.Sprintf("no ack since tick %d", b.AckTick())})
	}

	f := Frame{Tick: tick, BaselineTick: b.AckTick(), Objects: count, Bits: out.Bits(), Data: out.Bytes()}
	if !c.deliver(f) {
		res.dropped++
		c.stats.Dropped++
		return res
	}
	c.stats.Frames++
	c.stats.Bits += uint64(f.Bits)
	res.sent = true
	res.bits = f.Bits
	return res
}

// writeObject writes cur's record into rec, reset first. kind is -1 when
// nothing needs sending.
func (r *Replicator) writeObject(rec *bitbuf.Writer, c *Client, base snapshot.Baseline, has bool, cur *snapshot.Snapshot) (int, bitset.Set, error) {
	rec.Reset()
	culler := r.cullers[cur.Flat()]
	vis := culler.Evaluate(c.Slot, visibility.RecipientProxy(cur))

	var from *snapshot.Snapshot
	var prev *visibility.Result
	if has {
		from = base.Snap
		p := visibility.FromBits(vis.Nodes(), base.Vis)
		prev = &p
	}
	changed, err := delta.ComputeDelta(from, cur, culler.Candidates(vis), delta.Options{
		Capacity:      r.cfg.DeltaCapacity,
		ReportCleared: has,
	})
	if err != nil {
		return 0, nil, err
	}
	out, err := culler.Cull(prev, vis, changed)
	if err != nil {
		return 0, nil, err
	}
	if has && len(out.Send) == 0 && len(out.Clear) == 0 {
		return -1, nil, nil
	}
	if err := delta.WriteRecord(rec, cur, out.Send, out.Clear); err != nil {
		return 0, nil, err
	}
	kind := protocol.ObjectDelta
	if !has {
		kind = protocol.ObjectCreate
	}
	return int(kind), vis.Bits(), nil
}
