package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readTicks(t *testing.T, path string) []TickEntry {
	t.Helper()
	var got []TickEntry
	err := ReadFile(path, func(line []byte) error {
		var e TickEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return got
}

func TestTickLogger_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir, 0)
	for i := uint32(1); i <= 3; i++ {
		if err := l.WriteTick(TickEntry{Tick: i, Objects: 2, Clients: 1, Bits: 100 * int(i)}); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "ticks"), "ticks-", LogSuffix)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "ticks-0000000000.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}
	got := readTicks(t, files[0])
	if len(got) != 3 || got[0].Tick != 1 || got[2].Bits != 300 {
		t.Fatalf("entries=%+v", got)
	}
}

func TestTickLogger_SegmentsByTick(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir, 10)
	for _, tick := range []uint32{3, 9, 10, 25, 12} {
		if err := l.WriteTick(TickEntry{Tick: tick}); err != nil {
			t.Fatalf("WriteTick(%d): %v", tick, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "ticks"), "ticks-", LogSuffix)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{"ticks-0000000000.jsonl.zst", "ticks-0000000010.jsonl.zst", "ticks-0000000020.jsonl.zst"}
	if len(files) != len(want) {
		t.Fatalf("files=%v", files)
	}
	for i, w := range want {
		if filepath.Base(files[i]) != w {
			t.Fatalf("file %d=%s want %s", i, filepath.Base(files[i]), w)
		}
	}
	// A late entry for tick 12 stays in the open segment.
	last := readTicks(t, files[2])
	if len(last) != 2 || last[0].Tick != 25 || last[1].Tick != 12 {
		t.Fatalf("last segment=%+v", last)
	}
	if n := len(readTicks(t, files[0])); n != 2 {
		t.Fatalf("first segment has %d entries", n)
	}
}

func TestTickLogger_ReopenAppends(t *testing.T) {
	dir := t.TempDir()
	for run := 0; run < 2; run++ {
		l := NewTickLogger(dir, 100)
		if err := l.WriteTick(TickEntry{Tick: uint32(run + 1)}); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	got := readTicks(t, filepath.Join(dir, "ticks", "ticks-0000000000.jsonl.zst"))
	if len(got) != 2 || got[0].Tick != 1 || got[1].Tick != 2 {
		t.Fatalf("entries=%+v", got)
	}
}

func TestAuditLogger_Entries(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir, 0)
	_ = l.WriteAudit(AuditEntry{Tick: 9, Event: AuditDrop, Client: 2, Object: 7, Code: "E_CAPACITY"})
	_ = l.WriteAudit(AuditEntry{Tick: 9, Event: AuditDisconnect, Client: 2, Reason: "closed"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, err := ListFiles(filepath.Join(dir, "audit"), "audit-", LogSuffix)
	if err != nil || len(files) != 1 {
		t.Fatalf("ListFiles: %v %v", files, err)
	}
	var events []string
	err = ReadFile(files[0], func(line []byte) error {
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		events = append(events, e.Event)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(events) != 2 || events[0] != AuditDrop || events[1] != AuditDisconnect {
		t.Fatalf("events=%v", events)
	}
}

func TestListFiles_MatchesPrefixAndSuffix(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"rec-0000000200.rec.zst",
		"rec-0000000001.rec.zst",
		"ticks-0000000000.jsonl.zst",
		"rec-0000000003.jsonl.zst",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "rec-dir.rec.zst"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	files, err := ListFiles(dir, "rec-", ".rec.zst")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "rec-0000000001.rec.zst" || filepath.Base(files[1]) != "rec-0000000200.rec.zst" {
		t.Fatalf("files=%v", files)
	}
	if files, _ := ListFiles(dir, "audit-", LogSuffix); len(files) != 0 {
		t.Fatalf("unexpected files: %v", files)
	}
}
