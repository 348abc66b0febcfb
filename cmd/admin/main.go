package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	rlog "netstate.dev/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "recordings":
			recordingsCmd(os.Args[2:])
			return
		case "audits":
			auditsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	serverID := fs.String("server", "", "server id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "servers")
	if *serverID != "" {
		base = filepath.Join(base, *serverID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// auditsCmd scans the audit JSONL files directly, for servers run with
// -disable_db.
func auditsCmd(args []string) {
	fs := flag.NewFlagSet("audits", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	serverID := fs.String("server", "", "server id")
	event := fs.String("event", "", "event filter (CONNECT, DISCONNECT, DROP, STALE)")
	sinceTick := fs.Uint64("since_tick", 0, "first tick (inclusive, optional)")
	limit := fs.Int("limit", 0, "stop after this many entries (0 = all)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*serverID) == "" {
		fmt.Fprintln(os.Stderr, "missing -server")
		os.Exit(2)
	}
	files, err := rlog.ListFiles(filepath.Join(*dataDir, "servers", *serverID, "audit"), "audit-", rlog.LogSuffix)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	want := strings.ToUpper(strings.TrimSpace(*event))
	n := 0
	for _, path := range files {
		err := rlog.ReadFile(path, func(line []byte) error {
			var e rlog.AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if uint64(e.Tick) < *sinceTick || (want != "" && e.Event != want) {
				return nil
			}
			if *limit > 0 && n >= *limit {
				return nil
			}
			n++
			printJSON(e)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}
}
