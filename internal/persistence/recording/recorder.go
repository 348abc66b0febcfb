package recording

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"netstate.dev/internal/bitbuf"
	"netstate.dev/internal/replication/delta"
	"netstate.dev/internal/replication/snapshot"
)

type Options struct {
	Dir string
	// KeyframeEvery writes a full snapshot of an object at least this often.
	KeyframeEvery int
	// RotateTicks starts a new file after this many ticks. Every file opens
	// with keyframes, so each one replays on its own.
	RotateTicks int
	Header      Header
	// OnFile, when set, is called on the writer goroutine after each file
	// is opened.
	OnFile func(startTick uint32, path string)
}

type batch struct {
	rotate  bool
	start   uint32
	entries []Entry
}

// Recorder turns the per-tick snapshot store into recording entries. Record
// is called from the tick loop; files are written on a background goroutine.
type Recorder struct {
	opts   Options
	logger *log.Logger

	ch chan batch
	wg sync.WaitGroup

	mu    sync.Mutex
	err   error
	files []string

	// Tick loop state.
	prev      map[uint32]*snapshot.Snapshot
	lastKey   map[uint32]uint32
	fileStart uint32
	started   bool
}

func NewRecorder(opts Options, logger *log.Logger) *Recorder {
	if opts.KeyframeEvery <= 0 {
		opts.KeyframeEvery = 200
	}
	if opts.RotateTicks <= 0 {
		opts.RotateTicks = 72000
	}
	r := &Recorder{
		opts:    opts,
		logger:  logger,
		ch:      make(chan batch, 64),
		prev:    map[uint32]*snapshot.Snapshot{},
		lastKey: map[uint32]uint32{},
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
	return r
}

// Record appends the store's state at tick. Objects missing from the store
// since the previous call are recorded as leaving.
func (r *Recorder) Record(tick uint32, store *snapshot.Store) error {
	rotate := !r.started || tick-r.fileStart >= uint32(r.opts.RotateTicks)
	if rotate {
		r.started = true
		r.fileStart = tick
		clear(r.lastKey)
	}

	b := batch{rotate: rotate, start: tick}
	seen := make(map[uint32]struct{}, store.Len())
	for _, id := range store.IDs() {
		cur, ok := store.Current(id)
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		e, keep, err := r.entry(tick, id, cur)
		if err != nil {
			cur.Release()
			return err
		}
		if !keep {
			// Unchanged: later deltas stay based on the last written entry.
			cur.Release()
			continue
		}
		b.entries = append(b.entries, e)
		if old := r.prev[id]; old != nil {
			old.Release()
		}
		r.prev[id] = cur
	}
	for id, old := range r.prev {
		if _, ok := seen[id]; ok {
			continue
		}
		b.entries = append(b.entries, Entry{Tick: tick, Object: id, Table: old.Flat().ID, Kind: KindLeave})
		old.Release()
		delete(r.prev, id)
		delete(r.lastKey, id)
	}

	r.ch <- b
	return nil
}

func (r *Recorder) entry(tick, id uint32, cur *snapshot.Snapshot) (Entry, bool, error) {
	e := Entry{Tick: tick, Object: id, Table: cur.Flat().ID}
	prev := r.prev[id]
	last, keyed := r.lastKey[id]
	if prev == nil || prev.Flat() != cur.Flat() || !keyed || tick-last >= uint32(r.opts.KeyframeEvery) {
		e.Kind = KindKey
		e.Bits = cur.Bits()
		e.Data = append([]byte(nil), cur.Bytes()...)
		r.lastKey[id] = tick
		return e, true, nil
	}

	set, err := delta.ComputeDelta(prev, cur, nil, delta.Options{ReportCleared: true})
	if err != nil {
		return e, false, fmt.Errorf("record %d@%d: %w", id, tick, err)
	}
	if len(set) == 0 {
		return e, false, nil
	}
	w := bitbuf.NewWriter(0)
	if err := delta.WriteDelta(set, cur, w); err != nil {
		return e, false, fmt.Errorf("record %d@%d: %w", id, tick, err)
	}
	e.Kind = KindDelta
	e.Base = prev.Tick()
	e.Bits = w.Bits()
	e.Data = w.Bytes()
	return e, true, nil
}

func (r *Recorder) loop() {
	var w *Writer
	closeCur := func() {
		if w == nil {
			return
		}
		if err := w.Close(); err != nil {
			r.setErr(err)
		}
		w = nil
	}
	for b := range r.ch {
		if b.rotate {
			closeCur()
			path := filepath.Join(r.opts.Dir, fmt.Sprintf("%s%010d%s", FilePrefix, b.start, FileSuffix))
			h := r.opts.Header
			h.StartTick = b.start
			nw, err := Create(path, h)
			if err != nil {
				r.setErr(err)
				continue
			}
			w = nw
			r.mu.Lock()
			r.files = append(r.files, path)
			r.mu.Unlock()
			if r.logger != nil {
				r.logger.Printf("recording: %s", path)
			}
			if r.opts.OnFile != nil {
				r.opts.OnFile(b.start, path)
			}
		}
		if w == nil {
			continue
		}
		for _, e := range b.entries {
			if err := w.Write(e); err != nil {
				r.setErr(err)
				closeCur()
				break
			}
		}
	}
	closeCur()
}

func (r *Recorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
		if r.logger != nil {
			r.logger.Printf("recording: %v", err)
		}
	}
}

// Err returns the first write error, if any. Entries after a failed write are
// dropped until the next rotation.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Files lists the recording files opened so far.
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

// Close flushes pending batches and releases held snapshots. Record must not
// be called afterwards.
func (r *Recorder) Close() error {
	close(r.ch)
	r.wg.Wait()
	for id, s := range r.prev {
		s.Release()
		delete(r.prev, id)
	}
	return r.Err()
}
