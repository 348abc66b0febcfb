// Package replicator runs the per-tick replication pipeline: every live
// object is encoded once into the snapshot store, then each client gets an
// update frame computed against the baseline it last acknowledged.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"netstate.dev/internal/config"
	rlog "netstate.dev/internal/persistence/log"
	"netstate.dev/internal/persistence/recording"
	"netstate.dev/internal/protocol"
	"netstate.dev/internal/replication/replerr"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/snapshot"
	"netstate.dev/internal/replication/visibility"
)

var ErrServerFull = errors.New("server full")

// Object is one live object handed to Tick.
type Object struct {
	ID    uint32
	Table string
	Value any
}

type TickLogger interface {
	WriteTick(entry rlog.TickEntry) error
}

type AuditLogger interface {
	WriteAudit(entry rlog.AuditEntry) error
}

type Options struct {
	Config   config.Config
	Registry *schema.Registry
	// Proxy decides per client which proxy nodes of an object it may see.
	// Nil shows everything.
	Proxy  snapshot.RecipientFunc
	Logger *log.Logger

	TickLoggers  []TickLogger
	AuditLoggers []AuditLogger
	Recorder     *recording.Recorder
}

type Replicator struct {
	cfg      config.Config
	reg      *schema.Registry
	logger   *log.Logger
	tickLogs []TickLogger
	audits   []AuditLogger
	recorder *recording.Recorder

	// Tick goroutine only.
	enc     snapshot.Encoder
	tables  map[string]*schema.Flat
	cullers map[*schema.Flat]*visibility.Culler

	pool  *snapshot.Pool
	store *snapshot.Store

	mu      sync.Mutex
	clients map[string]*Client
	slots   []bool

	auditMu sync.Mutex
}

func New(opts Options) (*Replicator, error) {
	if opts.Registry == nil || !opts.Registry.Finalized() {
		return nil, fmt.Errorf("replicator: registry not finalized")
	}
	cfg := opts.Config
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool := snapshot.NewPool()
	r := &Replicator{
		cfg:      cfg,
		reg:      opts.Registry,
		logger:   opts.Logger,
		tickLogs: opts.TickLoggers,
		audits:   opts.AuditLoggers,
		recorder: opts.Recorder,
		tables:   map[string]*schema.Flat{},
		cullers:  map[*schema.Flat]*visibility.Culler{},
		pool:     pool,
		store:    snapshot.NewStore(),
		clients:  map[string]*Client{},
		slots:    make([]bool, cfg.MaxClients),
	}
	r.enc = snapshot.Encoder{
		Pool:    pool,
		Verify:  cfg.Debug.VerifySnapshots,
		Clients: cfg.MaxClients,
	}
	if opts.Proxy != nil {
		r.enc.Recipients = opts.Proxy
	} else {
		r.enc.Recipients = func(any, int, int) bool { return true }
	}
	for _, f := range opts.Registry.Flats() {
		r.tables[f.Name()] = f
		r.cullers[f] = visibility.NewCuller(f, cfg.ForcedCapacity)
	}
	return r, nil
}

func (r *Replicator) Registry() *schema.Registry { return r.reg }
func (r *Replicator) Config() config.Config      { return r.cfg }
func (r *Replicator) Store() *snapshot.Store     { return r.store }
func (r *Replicator) LiveBuffers() int64         { return r.pool.Live() }

// Connect assigns a slot and session id.
func (r *Replicator) Connect(name string) (*Client, error) {
	return r.ConnectWith(ClientParams{Name: name})
}

// ConnectWith is Connect with per-session limits. The client is fully set up
// before the next Tick can see it.
func (r *Replicator) ConnectWith(p ClientParams) (*Client, error) {
	name := p.Name
	r.mu.Lock()
	slot := -1
	for i, used := range r.slots {
		if !used {
			slot = i
			break
		}
	}
	if slot < 0 {
		r.mu.Unlock()
		return nil, ErrServerFull
	}
	r.slots[slot] = true
	c := &Client{
		ID:            uuid.NewString(),
		Slot:          slot,
		Name:          name,
		maxFrameBytes: p.MaxFrameBytes,
		out:           make(chan Frame, r.cfg.SendQueue),
		done:          make(chan struct{}),
		baselines:     snapshot.NewBaselines(r.cfg.MaxPendingFrames),
	}
	r.clients[c.ID] = c
	r.mu.Unlock()

	r.audit(rlog.AuditEntry{Event: rlog.AuditConnect, Session: c.ID, Client: slot, Reason: name})
	r.printf("connect session=%s slot=%d name=%q", c.ID, slot, name)
	return c, nil
}

// Disconnect drops the session and every snapshot it holds. It is safe to
// call more than once.
func (r *Replicator) Disconnect(c *Client, reason string) {
	r.mu.Lock()
	if _, ok := r.clients[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.ID)
	r.slots[c.Slot] = false
	r.mu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.baselines.Release()
	c.mu.Unlock()
	close(c.done)

	r.audit(rlog.AuditEntry{Event: rlog.AuditDisconnect, Session: c.ID, Client: c.Slot, Reason: reason})
	r.printf("disconnect session=%s slot=%d reason=%q", c.ID, c.Slot, reason)
}

// Ack promotes the frame for tick to c's baseline. It reports false for
// ticks that are unknown or older than the current baseline.
func (r *Replicator) Ack(c *Client, tick uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	ok := c.baselines.Ack(tick)
	if ok {
		c.stale = false
	}
	return ok
}

// Clients returns the connected sessions ordered by slot.
func (r *Replicator) Clients() []*Client {
	r.mu.Lock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Tick encodes objs into the store, then builds and queues one frame per
// client. Objects absent from objs leave the store. Failures of a single
// object or (object, client) pair are logged and dropped for this tick.
func (r *Replicator) Tick(ctx context.Context, tick uint32, objs []Object) (rlog.TickEntry, error) {
	entry := rlog.TickEntry{Tick: tick}
	start := time.Now()

	live := make(map[uint32]struct{}, len(objs))
	for _, o := range objs {
		live[o.ID] = struct{}{}
		if err := r.encode(tick, o); err != nil {
			entry.Dropped++
			r.drop(tick, nil, o.ID, err)
		}
	}
	for _, id := range r.store.IDs() {
		if _, ok := live[id]; !ok {
			r.store.Remove(id)
		}
	}
	entry.Objects = r.store.Len()
	entry.EncodeMicros = time.Since(start).Microseconds()

	if r.recorder != nil {
		if err := r.recorder.Record(tick, r.store); err != nil {
			r.printf("tick %d: record: %v", tick, err)
		}
	}

	sendStart := time.Now()
	clients := r.Clients()
	ids := r.store.IDs()
	results := make([]frameResult, len(clients))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.replicate(tick, c, ids)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return entry, err
	}

	entry.Clients = len(clients)
	for _, res := range results {
		entry.Dropped += res.dropped
		if res.sent {
			entry.Frames++
			entry.Bits += res.bits
		}
	}
	entry.SendMicros = time.Since(sendStart).Microseconds()

	for _, l := range r.tickLogs {
		if err := l.WriteTick(entry); err != nil {
			r.printf("tick %d: tick log: %v", tick, err)
		}
	}
	return entry, nil
}

func (r *Replicator) encode(tick uint32, o Object) error {
	flat, ok := r.tables[o.Table]
	if !ok {
		return fmt.Errorf("object %d: unknown table %q", o.ID, o.Table)
	}
	if o.ID > protocol.MaxObjectID {
		return &replerr.CapacityError{What: "object id", Limit: protocol.MaxObjectID, Need: int(o.ID)}
	}
	snap, err := r.enc.Encode(o.Value, flat, tick, true)
	if err != nil {
		return err
	}
	r.store.Put(o.ID, snap)
	return nil
}

// Run ticks at the configured rate until ctx is done. source supplies the
// live objects for each tick.
func (r *Replicator) Run(ctx context.Context, first uint32, source func(tick uint32) []Object) error {
	ticker := time.NewTicker(r.cfg.TickDuration())
	defer ticker.Stop()

	tick := first
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Tick(ctx, tick, source(tick)); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("tick %d: %w", tick, err)
			}
			tick++
		}
	}
}

// Close disconnects every client and releases the store. Run must have
// returned.
func (r *Replicator) Close() {
	for _, c := range r.Clients() {
		r.Disconnect(c, "server shutdown")
	}
	r.store.Close()
}

func (r *Replicator) drop(tick uint32, c *Client, id uint32, err error) {
	code := protocol.ErrInternal
	if errors.Is(err, replerr.ErrCapacityOverflow) {
		code = protocol.ErrCapacity
	}
	e := rlog.AuditEntry{Tick: tick, Event: rlog.AuditDrop, Client: -1, Object: id, Code: code, Reason: err.Error()}
	if c != nil {
		e.Session, e.Client = c.ID, c.Slot
	}
	r.audit(e)
	r.printf("tick %d: drop object=%d client=%d: %v", tick, id, e.Client, err)
}

func (r *Replicator) audit(e rlog.AuditEntry) {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()
	for _, a := range r.audits {
		if err := a.WriteAudit(e); err != nil {
			r.printf("audit: %v", err)
		}
	}
}

func (r *Replicator) printf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
