package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// LogSuffix ends every JSONL segment file name.
const LogSuffix = ".jsonl.zst"

// DefaultSegmentTicks is one hour at 20Hz.
const DefaultSegmentTicks = 72000

// SegmentWriter appends zstd-compressed JSON lines to tick-keyed segments
// named <prefix>-<first tick>.jsonl.zst. A segment spans a fixed number of
// ticks. Entries tagged with an earlier tick stay in the open segment; the
// writer only moves forward.
type SegmentWriter struct {
	dir    string
	prefix string
	span   uint32

	mu   sync.Mutex
	seg  uint32
	f    *os.File
	zw   *zstd.Encoder
	buf  *bufio.Writer
	line []byte
}

func NewSegmentWriter(dir, prefix string, span uint32) *SegmentWriter {
	if span == 0 {
		span = DefaultSegmentTicks
	}
	return &SegmentWriter{dir: dir, prefix: prefix, span: span}
}

// SegmentPath names the segment holding tick.
func (w *SegmentWriter) SegmentPath(tick uint32) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%010d%s", w.prefix, tick-tick%w.span, LogSuffix))
}

func (w *SegmentWriter) Write(tick uint32, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s log: marshal: %w", w.prefix, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if seg := tick - tick%w.span; w.f == nil || seg > w.seg {
		if err := w.openLocked(seg); err != nil {
			return err
		}
	}
	w.line = append(append(w.line[:0], b...), '\n')
	if _, err := w.buf.Write(w.line); err != nil {
		return fmt.Errorf("%s log: %w", w.prefix, err)
	}
	return w.buf.Flush()
}

func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *SegmentWriter) openLocked(seg uint32) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.SegmentPath(seg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.zw, w.seg = f, zw, seg
	w.buf = bufio.NewWriterSize(zw, 64*1024)
	return nil
}

func (w *SegmentWriter) closeLocked() error {
	if w.f == nil {
		return nil
	}
	var err error
	if ferr := w.buf.Flush(); ferr != nil {
		err = ferr
	}
	if zerr := w.zw.Close(); zerr != nil && err == nil {
		err = zerr
	}
	if cerr := w.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	w.f, w.zw, w.buf = nil, nil, nil
	return err
}

// TickEntry summarizes one replication tick.
type TickEntry struct {
	Tick    uint32 `json:"tick"`
	Objects int    `json:"objects"`
	Clients int    `json:"clients"`
	Bits    int    `json:"bits"` // sum of update frame sizes
	Frames  int    `json:"frames"`
	Dropped int    `json:"dropped"`

	EncodeMicros int64 `json:"encode_us"`
	SendMicros   int64 `json:"send_us"`
}

// Audit event names.
const (
	AuditConnect    = "CONNECT"
	AuditDisconnect = "DISCONNECT"
	AuditDrop       = "DROP"
	AuditStale      = "STALE"
)

type AuditEntry struct {
	Tick    uint32 `json:"tick"`
	Event   string `json:"event"`
	Session string `json:"session,omitempty"`
	Client  int    `json:"client"`
	Object  uint32 `json:"object,omitempty"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// TickLogger writes one JSONL entry per tick into ticks/.
type TickLogger struct{ w *SegmentWriter }

func NewTickLogger(dataDir string, segmentTicks uint32) *TickLogger {
	return &TickLogger{w: NewSegmentWriter(filepath.Join(dataDir, "ticks"), "ticks", segmentTicks)}
}

func (l *TickLogger) WriteTick(e TickEntry) error { return l.w.Write(e.Tick, e) }
func (l *TickLogger) Close() error                { return l.w.Close() }

// AuditLogger writes session and drop events into audit/.
type AuditLogger struct{ w *SegmentWriter }

func NewAuditLogger(dataDir string, segmentTicks uint32) *AuditLogger {
	return &AuditLogger{w: NewSegmentWriter(filepath.Join(dataDir, "audit"), "audit", segmentTicks)}
}

func (l *AuditLogger) WriteAudit(e AuditEntry) error { return l.w.Write(e.Tick, e) }
func (l *AuditLogger) Close() error                  { return l.w.Close() }

// ListFiles returns the files in dir named prefix*suffix, sorted by name.
// Tick-keyed names are zero padded, so name order is tick order.
func ListFiles(dir, prefix, suffix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile decodes every line of a compressed JSONL file, calling fn with the raw
// JSON of each. Iteration stops at the first error fn returns.
func ReadFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return sc.Err()
}
