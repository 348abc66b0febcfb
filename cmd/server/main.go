package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"netstate.dev/internal/config"
	"netstate.dev/internal/persistence/indexdb"
	rlog "netstate.dev/internal/persistence/log"
	"netstate.dev/internal/persistence/recording"
	"netstate.dev/internal/replication/schema"
	"netstate.dev/internal/replication/schemadef"
	"netstate.dev/internal/replicator"
	"netstate.dev/internal/transport/ws"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "http listen address")
		serverID  = flag.String("server", "server_1", "server id")
		configDir = flag.String("configs", "./configs", "config directory (replication.yaml, schema.yaml)")
		dataDir   = flag.String("data", "./data", "runtime data directory")
		disableDB = flag.Bool("disable_db", false, "disable indexing (ticks/audits + schemas + recording metadata)")
		record    = flag.Bool("record", false, "record snapshots even when replication.yaml leaves recording off")

		seed        = flag.Int64("seed", 1337, "demo world seed")
		demoPlayers = flag.Int("demo_players", 8, "players in the built-in demo world")
		demoCrates  = flag.Int("demo_crates", 64, "max crates in the built-in demo world")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfgPath := filepath.Join(*configDir, "replication.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", cfgPath)
		cfg = config.Defaults()
	}
	if *record {
		cfg.Recording.Enabled = true
	}

	doc, err := schemadef.Load(filepath.Join(*configDir, "schema.yaml"))
	if err != nil {
		logger.Fatalf("load schema: %v", err)
	}
	reg := schema.NewRegistry()
	if err := doc.Register(reg); err != nil {
		logger.Fatalf("register schema: %v", err)
	}
	if err := reg.Finalize(); err != nil {
		logger.Fatalf("finalize schema: %v", err)
	}
	logger.Printf("schema crc=%08x tables=%d", reg.CRC(), len(reg.Summaries()))

	serverDir := filepath.Join(*dataDir, "servers", *serverID)
	_ = os.MkdirAll(serverDir, 0o755)

	// Optional read-model index; replication never waits on it.
	idx, err := openRuntimeIndex(serverDir, *serverID, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertSchemas(reg.CRC(), reg.Summaries()); err != nil {
			logger.Printf("index backend: upsert schemas: %v", err)
		}
	}

	tickLog := rlog.NewTickLogger(serverDir, uint32(cfg.Logs.SegmentTicks))
	auditLog := rlog.NewAuditLogger(serverDir, uint32(cfg.Logs.SegmentTicks))
	defer tickLog.Close()
	defer auditLog.Close()
	last := &lastTick{}

	opts := replicator.Options{
		Config:       cfg,
		Registry:     reg,
		Proxy:        demoProxy,
		Logger:       logger,
		TickLoggers:  []replicator.TickLogger{tickLog, last},
		AuditLoggers: []replicator.AuditLogger{auditLog},
	}
	if idx != nil {
		opts.TickLoggers = append(opts.TickLoggers, idx)
		opts.AuditLoggers = append(opts.AuditLoggers, idx)
	}
	var rec *recording.Recorder
	if cfg.Recording.Enabled {
		rec = recording.NewRecorder(recording.Options{
			Dir:           filepath.Join(serverDir, "recordings"),
			KeyframeEvery: cfg.Recording.KeyframeEveryTicks,
			RotateTicks:   cfg.Recording.RotateTicks,
			Header: recording.Header{
				SchemaCRC:  reg.CRC(),
				TickRateHz: cfg.TickRateHz,
				Tables:     reg.Summaries(),
			},
			OnFile: func(start uint32, path string) {
				if idx != nil {
					idx.RecordFile(start, path)
				}
			},
		}, logger)
		opts.Recorder = rec
	}

	rep, err := replicator.New(opts)
	if err != nil {
		logger.Fatalf("replicator: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	demo := newDemoWorld(*seed, *demoPlayers, *demoCrates)
	var runWG sync.WaitGroup
	runWG.Add(1)
	go func() {
		defer runWG.Done()
		if err := rep.Run(ctx, 1, demo.Objects); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("replication stopped: %v", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, *serverID, last.Get(), rep, idx)
	})

	enableAdminHTTP := envBool("NS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("NS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			type clientState struct {
				ID    string                 `json:"id"`
				Slot  int                    `json:"slot"`
				Name  string                 `json:"name"`
				Stats replicator.ClientStats `json:"stats"`
			}
			resp := struct {
				ServerID  string           `json:"server_id"`
				SchemaCRC string           `json:"schema_crc"`
				Last      rlog.TickEntry   `json:"last_tick"`
				Objects   int              `json:"objects"`
				Clients   []clientState    `json:"clients"`
				Tables    []schema.Summary `json:"tables"`
			}{
				ServerID:  *serverID,
				SchemaCRC: fmt.Sprintf("%08x", reg.CRC()),
				Last:      last.Get(),
				Objects:   rep.Store().Len(),
				Tables:    reg.Summaries(),
			}
			for _, c := range rep.Clients() {
				resp.Clients = append(resp.Clients, clientState{ID: c.ID, Slot: c.Slot, Name: c.Name, Stats: c.Stats()})
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/recordings", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			resp := map[string]any{"enabled": rec != nil, "files": []string{}}
			if rec != nil {
				resp["files"] = rec.Files()
				if err := rec.Err(); err != nil {
					resp["error"] = err.Error()
				}
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		logger.Printf("admin endpoints disabled (NS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (NS_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(rep, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	cancel()
	runWG.Wait()
	rep.Close()
	if rec != nil {
		if err := rec.Close(); err != nil {
			logger.Printf("recording: %v", err)
		}
	}
	if n := rep.LiveBuffers(); n != 0 {
		logger.Printf("shutdown: %d snapshot buffers still held", n)
	}
}

// lastTick keeps the most recent tick summary for /metrics and admin state.
type lastTick struct {
	mu sync.Mutex
	e  rlog.TickEntry
}

func (l *lastTick) WriteTick(e rlog.TickEntry) error {
	l.mu.Lock()
	l.e = e
	l.mu.Unlock()
	return nil
}

func (l *lastTick) Get() rlog.TickEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.e
}

func writeMetrics(rw http.ResponseWriter, serverID string, m rlog.TickEntry, rep *replicator.Replicator, idx indexdb.Index) {
	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP netstate_tick Last replicated tick.\n")
	fmt.Fprintf(rw, "# TYPE netstate_tick gauge\n")
	fmt.Fprintf(rw, "netstate_tick{server=%q} %d\n", serverID, m.Tick)

	fmt.Fprintf(rw, "# HELP netstate_objects Live objects encoded in the last tick.\n")
	fmt.Fprintf(rw, "# TYPE netstate_objects gauge\n")
	fmt.Fprintf(rw, "netstate_objects{server=%q} %d\n", serverID, m.Objects)

	fmt.Fprintf(rw, "# HELP netstate_clients Connected clients.\n")
	fmt.Fprintf(rw, "# TYPE netstate_clients gauge\n")
	fmt.Fprintf(rw, "netstate_clients{server=%q} %d\n", serverID, m.Clients)

	fmt.Fprintf(rw, "# HELP netstate_tick_bits Frame bits sent in the last tick.\n")
	fmt.Fprintf(rw, "# TYPE netstate_tick_bits gauge\n")
	fmt.Fprintf(rw, "netstate_tick_bits{server=%q} %d\n", serverID, m.Bits)

	fmt.Fprintf(rw, "# HELP netstate_tick_dropped Objects or frames dropped in the last tick.\n")
	fmt.Fprintf(rw, "# TYPE netstate_tick_dropped gauge\n")
	fmt.Fprintf(rw, "netstate_tick_dropped{server=%q} %d\n", serverID, m.Dropped)

	fmt.Fprintf(rw, "# HELP netstate_phase_us Last tick phase duration in microseconds.\n")
	fmt.Fprintf(rw, "# TYPE netstate_phase_us gauge\n")
	fmt.Fprintf(rw, "netstate_phase_us{server=%q,phase=%q} %d\n", serverID, "encode", m.EncodeMicros)
	fmt.Fprintf(rw, "netstate_phase_us{server=%q,phase=%q} %d\n", serverID, "send", m.SendMicros)

	fmt.Fprintf(rw, "# HELP netstate_snapshot_buffers Snapshot buffers currently held.\n")
	fmt.Fprintf(rw, "# TYPE netstate_snapshot_buffers gauge\n")
	fmt.Fprintf(rw, "netstate_snapshot_buffers{server=%q} %d\n", serverID, rep.LiveBuffers())

	clients := rep.Clients()
	fmt.Fprintf(rw, "# HELP netstate_client_frames_total Frames queued per client.\n")
	fmt.Fprintf(rw, "# TYPE netstate_client_frames_total counter\n")
	for _, c := range clients {
		fmt.Fprintf(rw, "netstate_client_frames_total{server=%q,slot=\"%d\"} %d\n", serverID, c.Slot, c.Stats().Frames)
	}
	fmt.Fprintf(rw, "# HELP netstate_client_pending Unacknowledged frames per client.\n")
	fmt.Fprintf(rw, "# TYPE netstate_client_pending gauge\n")
	for _, c := range clients {
		fmt.Fprintf(rw, "netstate_client_pending{server=%q,slot=\"%d\"} %d\n", serverID, c.Slot, c.Stats().Pending)
	}

	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP netstate_index_queue_depth Index write queue depth.\n")
	fmt.Fprintf(rw, "# TYPE netstate_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "netstate_index_queue_depth{server=%q} %d\n", serverID, s.QueueDepth)

	fmt.Fprintf(rw, "# HELP netstate_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE netstate_index_dropped_total counter\n")
	fmt.Fprintf(rw, "netstate_index_dropped_total{server=%q,kind=%q} %d\n", serverID, "tick", s.DropTickTotal)
	fmt.Fprintf(rw, "netstate_index_dropped_total{server=%q,kind=%q} %d\n", serverID, "audit", s.DropAuditTotal)
	fmt.Fprintf(rw, "netstate_index_dropped_total{server=%q,kind=%q} %d\n", serverID, "file", s.DropFileTotal)

	fmt.Fprintf(rw, "# HELP netstate_index_fail_total Index write or flush failures.\n")
	fmt.Fprintf(rw, "# TYPE netstate_index_fail_total counter\n")
	fmt.Fprintf(rw, "netstate_index_fail_total{server=%q,op=%q} %d\n", serverID, "write", s.WriteFailTotal)
	fmt.Fprintf(rw, "netstate_index_fail_total{server=%q,op=%q} %d\n", serverID, "flush", s.FlushFailTotal)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
