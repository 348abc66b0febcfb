package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	rlog "netstate.dev/internal/persistence/log"
	"netstate.dev/internal/replication/schema"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick  atomic.Uint64
	dropAudit atomic.Uint64
	dropFile  atomic.Uint64
	writeFail atomic.Uint64
	flushFail atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqAudit
	reqFile
)

type req struct {
	kind reqKind

	tick  rlog.TickEntry
	audit rlog.AuditEntry
	file  fileRow
}

type fileRow struct {
	StartTick  uint32
	Path       string
	RecordedAt string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Room for bursts of drop audits when many clients stall at once.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schemas (
			table_id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			leaves INTEGER NOT NULL,
			crc INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			objects INTEGER NOT NULL,
			clients INTEGER NOT NULL,
			bits INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			encode_us INTEGER NOT NULL,
			send_us INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			event TEXT NOT NULL,
			session TEXT,
			client INTEGER NOT NULL,
			object INTEGER NOT NULL,
			code TEXT,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_client_tick ON audits(client, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_event_tick ON audits(event, tick);`,
		`CREATE TABLE IF NOT EXISTS recordings (
			start_tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTickTotal:  s.dropTick.Load(),
		DropAuditTotal: s.dropAudit.Load(),
		DropFileTotal:  s.dropFile.Load(),
		WriteFailTotal: s.writeFail.Load(),
		FlushFailTotal: s.flushFail.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(entry rlog.TickEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteAudit(entry rlog.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		s.dropAudit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordFile(startTick uint32, path string) {
	if s == nil || s.closed.Load() || path == "" {
		return
	}
	r := fileRow{
		StartTick:  startTick,
		Path:       path,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqFile, file: r}:
	default:
		s.dropFile.Add(1)
	}
}

// UpsertSchemas replaces the table catalog synchronously. It runs once at
// startup, before the first tick.
func (s *SQLiteIndex) UpsertSchemas(crc uint32, tables []schema.Summary) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('index_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_crc',?)`, strconv.FormatUint(uint64(crc), 16)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schemas`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO schemas(table_id,name,leaves,crc,updated_at) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range tables {
		if _, err := stmt.Exec(t.ID, t.Name, t.Leaves, int64(t.CRC), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,objects,clients,bits,frames,dropped,encode_us,send_us,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,event,session,client,object,code,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertFile, _ := s.db.Prepare(`INSERT OR REPLACE INTO recordings(start_tick,path,recorded_at) VALUES(?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertAudit, insertFile} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditTick uint32
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeFail.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.flushFail.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeFail.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick, int64(t.Tick), t.Objects, t.Clients, t.Bits, t.Frames, t.Dropped, t.EncodeMicros, t.SendMicros, string(raw))

		case reqAudit:
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			exec(insertAudit, int64(a.Tick), seq, a.Event, a.Session, a.Client, int64(a.Object), a.Code, a.Reason, string(raw))

		case reqFile:
			f := r.file
			exec(insertFile, int64(f.StartTick), f.Path, f.RecordedAt)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
