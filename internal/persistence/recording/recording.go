// Package recording persists encoded snapshots to disk: a JSON header line
// followed by a gob stream of keyframe, delta and leave entries, all inside
// one zstd frame.
package recording

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"netstate.dev/internal/replication/schema"
)

const Version = 1

// Recording files are named FilePrefix + start tick (%010d) + FileSuffix.
const (
	FilePrefix = "rec-"
	FileSuffix = ".rec.zst"
)

type Header struct {
	Version    int              `json:"version"`
	SchemaCRC  uint32           `json:"schema_crc"`
	TickRateHz int              `json:"tick_rate_hz"`
	StartTick  uint32           `json:"start_tick"`
	Tables     []schema.Summary `json:"tables"`
}

type Kind uint8

const (
	// KindKey carries a full non-zero-only snapshot.
	KindKey Kind = iota + 1
	// KindDelta carries a record against the previous entry for the object.
	KindDelta
	// KindLeave marks the object gone; Data is empty.
	KindLeave
)

func (k Kind) String() string {
	switch k {
	case KindKey:
		return "key"
	case KindDelta:
		return "delta"
	case KindLeave:
		return "leave"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Entry struct {
	Tick   uint32
	Object uint32
	Table  int
	Kind   Kind
	// Base is the tick of the entry a delta applies to.
	Base uint32
	Bits int
	Data []byte
}

type Writer struct {
	f   *os.File
	enc *zstd.Encoder
	bw  *bufio.Writer
	gob *gob.Encoder

	header  Header
	entries int
}

// Create truncates path and writes h as the header line.
func Create(path string, h Header) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	if h.Version == 0 {
		h.Version = Version
	}
	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err == nil {
		err = bw.WriteByte('\n')
	}
	if err != nil {
		_ = enc.Close()
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, enc: enc, bw: bw, gob: gob.NewEncoder(bw), header: h}, nil
}

func (w *Writer) Header() Header { return w.header }
func (w *Writer) Entries() int   { return w.entries }

func (w *Writer) Write(e Entry) error {
	if err := w.gob.Encode(&e); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	w.entries++
	return nil
}

func (w *Writer) Close() error {
	err := w.bw.Flush()
	if cerr := w.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

type Reader struct {
	f      *os.File
	dec    *zstd.Decoder
	gob    *gob.Decoder
	header Header
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	br := bufio.NewReaderSize(dec, 256*1024)

	r := &Reader{f: f, dec: dec}
	line, err := br.ReadBytes('\n')
	if err == nil {
		err = json.Unmarshal(line, &r.header)
	}
	if err == nil && r.header.Version != Version {
		err = fmt.Errorf("unsupported recording version %d", r.header.Version)
	}
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: header: %w", filepath.Base(path), err)
	}
	r.gob = gob.NewDecoder(br)
	return r, nil
}

func (r *Reader) Header() Header { return r.header }

// Next returns io.EOF after the last entry.
func (r *Reader) Next() (Entry, error) {
	var e Entry
	if err := r.gob.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return e, io.EOF
		}
		return e, fmt.Errorf("gob decode: %w", err)
	}
	return e, nil
}

func (r *Reader) Close() {
	r.dec.Close()
	_ = r.f.Close()
}
