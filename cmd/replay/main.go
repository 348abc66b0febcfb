package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	rlog "netstate.dev/internal/persistence/log"
	"netstate.dev/internal/persistence/recording"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/schemadef"
	"netstate.dev/internal/replication/snapshot"
)

func main() {
	var (
		recPath    = flag.String("recording", "", "path to a .rec.zst file or a recordings dir")
		ticksDir   = flag.String("ticks", "", "ticks dir containing ticks-*.jsonl.zst; live object counts are checked against it (optional)")
		schemaPath = flag.String("schema", "./configs/schema.yaml", "schema.yaml the recording was made with")
		fromTick   = flag.Uint64("from_tick", 0, "start checking from tick (inclusive, optional)")
		toTick     = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		dumpID     = flag.Int("object", -1, "print the final state of this object id")
	)
	flag.Parse()

	if *recPath == "" {
		fmt.Fprintln(os.Stderr, "missing -recording")
		os.Exit(2)
	}

	doc, err := schemadef.Load(*schemaPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load schema:", err)
		os.Exit(1)
	}
	reg := schema.NewRegistry()
	if err := doc.Register(reg); err != nil {
		fmt.Fprintln(os.Stderr, "register schema:", err)
		os.Exit(1)
	}
	if err := reg.Finalize(); err != nil {
		fmt.Fprintln(os.Stderr, "finalize schema:", err)
		os.Exit(1)
	}

	files := []string{*recPath}
	if st, err := os.Stat(*recPath); err == nil && st.IsDir() {
		files, err = rlog.ListFiles(*recPath, recording.FilePrefix, recording.FileSuffix)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list recordings:", err)
			os.Exit(1)
		}
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no recordings found in", *recPath)
		os.Exit(1)
	}

	var want map[uint32]int
	if *ticksDir != "" {
		want, err = loadTickCounts(*ticksDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read ticks:", err)
			os.Exit(1)
		}
	}

	r := &replay{want: want, from: uint32(*fromTick), to: uint32(*toTick)}
	for _, path := range files {
		if err := r.file(path, reg); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		if r.done {
			break
		}
	}

	fmt.Printf("replay ok: files=%d ticks=%d key=%d delta=%d leave=%d bits=%d checked=%d\n",
		len(files), r.ticks, r.kinds[recording.KindKey], r.kinds[recording.KindDelta], r.kinds[recording.KindLeave], r.bits, r.checked)

	if *dumpID >= 0 {
		st, ok := r.states[uint32(*dumpID)]
		if !ok {
			fmt.Printf("object %d: not live at tick %d\n", *dumpID, r.tick)
			return
		}
		fmt.Printf("object %d (%s) @%d\n", *dumpID, st.Flat.Name(), st.Tick)
		for i, l := range st.Flat.Leaves {
			fmt.Printf("  %-24s %s\n", l.Path, st.Get(i))
		}
	}
}

type replay struct {
	want     map[uint32]int
	from, to uint32

	states  map[uint32]*snapshot.State
	tick    uint32
	ticks   int
	checked int
	bits    int
	kinds   [4]int
	done    bool
}

// file plays one recording. Each file opens with keyframes, so the live set
// starts over.
func (r *replay) file(path string, reg *schema.Registry) error {
	r.states = map[uint32]*snapshot.State{}
	r.tick = 0
	h, err := recording.Play(path, reg, func(e recording.Entry, st *snapshot.State) error {
		if r.to != 0 && e.Tick > r.to {
			r.done = true
			return errStop
		}
		if e.Tick != r.tick {
			if err := r.check(); err != nil {
				return err
			}
			r.tick = e.Tick
			r.ticks++
		}
		r.kinds[e.Kind]++
		r.bits += e.Bits
		if st == nil {
			delete(r.states, e.Object)
		} else {
			r.states[e.Object] = st
		}
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := r.check(); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	fmt.Printf("%s: start=%d tick_rate=%d tables=%d\n", filepath.Base(path), h.StartTick, h.TickRateHz, len(h.Tables))
	return nil
}

// check compares the live set after r.tick with the tick log.
func (r *replay) check() error {
	if r.want == nil || r.tick == 0 || r.tick < r.from {
		return nil
	}
	n, ok := r.want[r.tick]
	if !ok {
		return nil
	}
	r.checked++
	if n != len(r.states) {
		return fmt.Errorf("live objects mismatch at tick %d: recording=%d tick log=%d", r.tick, len(r.states), n)
	}
	return nil
}

var errStop = errors.New("stop")

func loadTickCounts(dir string) (map[uint32]int, error) {
	files, err := rlog.ListFiles(dir, "ticks-", rlog.LogSuffix)
	if err != nil {
		return nil, err
	}
	out := map[uint32]int{}
	for _, path := range files {
		err := rlog.ReadFile(path, func(line []byte) error {
			var e rlog.TickEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			out[e.Tick] = e.Objects
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
