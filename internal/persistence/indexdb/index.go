// Package indexdb keeps a queryable secondary index of replication activity:
// per-tick counters, audit events, recording files and the schema catalog.
// The compressed JSONL logs remain the source of truth; index writes are
// queued and dropped when the backend falls behind.
package indexdb

import (
	rlog "netstate.dev/internal/persistence/log"
	"netstate.dev/internal/replication/schema"
)

type Index interface {
	WriteTick(entry rlog.TickEntry) error
	WriteAudit(entry rlog.AuditEntry) error
	RecordFile(startTick uint32, path string)
	UpsertSchemas(crc uint32, tables []schema.Summary) error
	Stats() Stats
	Close() error
}

type Stats struct {
	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`

	DropTickTotal  uint64 `json:"drop_tick_total"`
	DropAuditTotal uint64 `json:"drop_audit_total"`
	DropFileTotal  uint64 `json:"drop_file_total"`

	WriteFailTotal uint64 `json:"write_fail_total"`
	FlushFailTotal uint64 `json:"flush_fail_total"`
}

var (
	_ Index = (*SQLiteIndex)(nil)
	_ Index = (*IngestIndex)(nil)
)
