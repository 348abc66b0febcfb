package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	serverID := fs.String("server", "", "server id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	sinceTick := fs.Uint64("since_tick", 0, "first tick (inclusive, optional)")
	limit := fs.Int("limit", 20, "result limit")
	client := fs.Int("client", -1, "client slot filter (audits, drops)")
	event := fs.String("event", "", "event filter (audits)")
	_ = fs.Parse(args)

	q := "summary"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*serverID) == "" {
			fmt.Fprintln(os.Stderr, "missing -server or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "servers", *serverID, "index", "replication.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "summary":
		var r struct {
			SchemaCRC  string `json:"schema_crc"`
			FirstTick  int64  `json:"first_tick"`
			LastTick   int64  `json:"last_tick"`
			Ticks      int64  `json:"ticks"`
			Bits       int64  `json:"bits"`
			Dropped    int64  `json:"dropped"`
			Audits     int64  `json:"audits"`
			Recordings int64  `json:"recordings"`
		}
		_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_crc'`).Scan(&r.SchemaCRC)
		row := db.QueryRow(`SELECT COALESCE(MIN(tick),0),COALESCE(MAX(tick),0),COUNT(*),COALESCE(SUM(bits),0),COALESCE(SUM(dropped),0) FROM ticks`)
		if err := row.Scan(&r.FirstTick, &r.LastTick, &r.Ticks, &r.Bits, &r.Dropped); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		if err := db.QueryRow(`SELECT COUNT(*) FROM audits`).Scan(&r.Audits); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		if err := db.QueryRow(`SELECT COUNT(*) FROM recordings`).Scan(&r.Recordings); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		printJSON(r)

	case "ticks":
		rows, err := db.Query(`SELECT tick,objects,clients,bits,frames,dropped,encode_us,send_us FROM ticks WHERE tick>=? ORDER BY tick DESC LIMIT ?`, *sinceTick, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick     int64 `json:"tick"`
				Objects  int   `json:"objects"`
				Clients  int   `json:"clients"`
				Bits     int   `json:"bits"`
				Frames   int   `json:"frames"`
				Dropped  int   `json:"dropped"`
				EncodeUS int64 `json:"encode_us"`
				SendUS   int64 `json:"send_us"`
			}
			if err := rows.Scan(&r.Tick, &r.Objects, &r.Clients, &r.Bits, &r.Frames, &r.Dropped, &r.EncodeUS, &r.SendUS); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "audits", "drops":
		ev := strings.ToUpper(strings.TrimSpace(*event))
		if q == "drops" {
			ev = "DROP"
		}
		where := []string{"tick>=?"}
		qargs := []any{*sinceTick}
		if ev != "" {
			where = append(where, "event=?")
			qargs = append(qargs, ev)
		}
		if *client >= 0 {
			where = append(where, "client=?")
			qargs = append(qargs, *client)
		}
		qargs = append(qargs, *limit)
		rows, err := db.Query(`SELECT tick,seq,event,COALESCE(session,''),client,object,COALESCE(code,''),COALESCE(reason,'') FROM audits WHERE `+
			strings.Join(where, " AND ")+` ORDER BY tick DESC, seq DESC LIMIT ?`, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick    int64  `json:"tick"`
				Seq     int    `json:"seq"`
				Event   string `json:"event"`
				Session string `json:"session,omitempty"`
				Client  int    `json:"client"`
				Object  int64  `json:"object,omitempty"`
				Code    string `json:"code,omitempty"`
				Reason  string `json:"reason,omitempty"`
			}
			if err := rows.Scan(&r.Tick, &r.Seq, &r.Event, &r.Session, &r.Client, &r.Object, &r.Code, &r.Reason); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "schemas":
		rows, err := db.Query(`SELECT table_id,name,leaves,crc,updated_at FROM schemas ORDER BY table_id`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				TableID   int    `json:"table_id"`
				Name      string `json:"name"`
				Leaves    int    `json:"leaves"`
				CRC       string `json:"crc"`
				UpdatedAt string `json:"updated_at"`
			}
			var crc int64
			if err := rows.Scan(&r.TableID, &r.Name, &r.Leaves, &crc, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.CRC = fmt.Sprintf("%08x", uint32(crc))
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "recordings":
		rows, err := db.Query(`SELECT start_tick,path,recorded_at FROM recordings WHERE start_tick>=? ORDER BY start_tick DESC LIMIT ?`, *sinceTick, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				StartTick  int64  `json:"start_tick"`
				Path       string `json:"path"`
				RecordedAt string `json:"recorded_at"`
			}
			if err := rows.Scan(&r.StartTick, &r.Path, &r.RecordedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-server ID|-db PATH] [-since_tick T] summary|ticks|audits|drops|schemas|recordings")
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
