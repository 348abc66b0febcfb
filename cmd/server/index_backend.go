package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"netstate.dev/internal/persistence/indexdb"
)

func openRuntimeIndex(dataDir, serverID string, disableDB bool, logger *log.Logger) (indexdb.Index, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("NS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "replication.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "ingest":
		endpoint := strings.TrimSpace(os.Getenv("NS_INDEX_INGEST_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("NS_INDEX_BACKEND=ingest but NS_INDEX_INGEST_URL is empty")
		}
		idx, err := indexdb.OpenIngest(indexdb.IngestConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("NS_INDEX_INGEST_TOKEN")),
			ServerID:      serverID,
			BatchSize:     envInt("NS_INDEX_INGEST_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("NS_INDEX_INGEST_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported NS_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
