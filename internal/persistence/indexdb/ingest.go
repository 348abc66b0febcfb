package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rlog "netstate.dev/internal/persistence/log"
	"netstate.dev/internal/replication/schema"
)

// IngestConfig points an IngestIndex at an HTTP endpoint accepting
// {"events":[...]} batches.
type IngestConfig struct {
	Endpoint      string
	Token         string
	ServerID      string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// MaxRetained bounds events kept across failed flushes.
	MaxRetained int
	Logger      *log.Logger
}

// IngestIndex ships index events to a remote collector in batches.
type IngestIndex struct {
	cfg        IngestConfig
	httpClient *http.Client

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	auditMu       sync.Mutex
	lastAuditTick uint32
	auditSeq      int

	dropTick  atomic.Uint64
	dropAudit atomic.Uint64
	dropFile  atomic.Uint64
	flushFail atomic.Uint64
}

type ingestEvent struct {
	Kind     string `json:"kind"`
	ServerID string `json:"server_id"`
	Payload  any    `json:"payload"`
}

type ingestAudit struct {
	Seq int `json:"seq"`
	rlog.AuditEntry
}

type ingestFile struct {
	StartTick uint32 `json:"start_tick"`
	Path      string `json:"path"`
}

type ingestSchemas struct {
	CRC    uint32           `json:"crc"`
	Tables []schema.Summary `json:"tables"`
}

func OpenIngest(cfg IngestConfig) (*IngestIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.ServerID = strings.TrimSpace(cfg.ServerID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("empty server id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 8 * cfg.BatchSize
	}

	d := &IngestIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan ingestEvent, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *IngestIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *IngestIndex) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(d.ch),
		QueueCapacity:  cap(d.ch),
		DropTickTotal:  d.dropTick.Load(),
		DropAuditTotal: d.dropAudit.Load(),
		DropFileTotal:  d.dropFile.Load(),
		FlushFailTotal: d.flushFail.Load(),
	}
}

func (d *IngestIndex) WriteTick(entry rlog.TickEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	if !d.enqueue(ingestEvent{Kind: "tick", ServerID: d.cfg.ServerID, Payload: entry}) {
		d.dropTick.Add(1)
	}
	return nil
}

func (d *IngestIndex) WriteAudit(entry rlog.AuditEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	p := ingestAudit{Seq: d.nextAuditSeq(entry.Tick), AuditEntry: entry}
	if !d.enqueue(ingestEvent{Kind: "audit", ServerID: d.cfg.ServerID, Payload: p}) {
		d.dropAudit.Add(1)
	}
	return nil
}

func (d *IngestIndex) RecordFile(startTick uint32, path string) {
	if d == nil || d.closed.Load() || path == "" {
		return
	}
	if !d.enqueue(ingestEvent{Kind: "recording", ServerID: d.cfg.ServerID, Payload: ingestFile{StartTick: startTick, Path: path}}) {
		d.dropFile.Add(1)
	}
}

func (d *IngestIndex) UpsertSchemas(crc uint32, tables []schema.Summary) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue(ingestEvent{Kind: "schemas", ServerID: d.cfg.ServerID, Payload: ingestSchemas{CRC: crc, Tables: tables}})
	return nil
}

func (d *IngestIndex) nextAuditSeq(tick uint32) int {
	d.auditMu.Lock()
	defer d.auditMu.Unlock()
	if tick != d.lastAuditTick {
		d.lastAuditTick = tick
		d.auditSeq = 0
	}
	d.auditSeq++
	return d.auditSeq
}

func (d *IngestIndex) enqueue(ev ingestEvent) bool {
	select {
	case d.ch <- ev:
		return true
	default:
		d.printf("ingest index queue full; drop kind=%s", ev.Kind)
		return false
	}
}

func (d *IngestIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ingestEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.flushFail.Add(1)
			d.printf("ingest index flush failed batch=%d err=%v", len(batch), err)
			// Keep the batch for the next flush, dropping the oldest past the cap.
			if over := len(batch) - d.cfg.MaxRetained; over > 0 {
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *IngestIndex) sendBatch(events []ingestEvent) error {
	body := struct {
		Events []ingestEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-netstate-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *IngestIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
