package protocol

import (
	"fmt"

	"netstate.dev/internal/bitbuf"
)

// Binary update frame layout:
//
//	tick:32 baselineTick:32 objects:16
//	per object: id:16 kind:2 [table:10 when kind is create] record
//
// A record is an index list with payloads; see package propindex.

type ObjectKind uint8

const (
	// ObjectDelta applies the record on top of the client's baseline copy.
	ObjectDelta ObjectKind = iota
	// ObjectCreate starts from the table defaults.
	ObjectCreate
	// ObjectLeave drops the object; no record follows.
	ObjectLeave
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectDelta:
		return "delta"
	case ObjectCreate:
		return "create"
	case ObjectLeave:
		return "leave"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

const (
	ObjectIDBits = 16
	objectKind   = 2
	TableIDBits  = 10

	// MaxObjectID is the largest id a frame can address.
	MaxObjectID = 1<<ObjectIDBits - 1
)

type FrameHeader struct {
	Tick         uint32
	BaselineTick uint32
	Objects      uint16
}

func WriteFrameHeader(w *bitbuf.Writer, h FrameHeader) {
	w.WriteUBits(uint64(h.Tick), 32)
	w.WriteUBits(uint64(h.BaselineTick), 32)
	w.WriteUBits(uint64(h.Objects), 16)
}

func ReadFrameHeader(r *bitbuf.Reader) (FrameHeader, error) {
	h := FrameHeader{
		Tick:         uint32(r.ReadUBits(32)),
		BaselineTick: uint32(r.ReadUBits(32)),
		Objects:      uint16(r.ReadUBits(16)),
	}
	if err := r.Err(); err != nil {
		return h, fmt.Errorf("frame header: %w", err)
	}
	return h, nil
}

type ObjectHeader struct {
	ID    uint16
	Kind  ObjectKind
	Table int
}

func WriteObjectHeader(w *bitbuf.Writer, h ObjectHeader) {
	w.WriteUBits(uint64(h.ID), ObjectIDBits)
	w.WriteUBits(uint64(h.Kind), objectKind)
	if h.Kind == ObjectCreate {
		w.WriteUBits(uint64(h.Table), TableIDBits)
	}
}

func ReadObjectHeader(r *bitbuf.Reader) (ObjectHeader, error) {
	h := ObjectHeader{
		ID:   uint16(r.ReadUBits(ObjectIDBits)),
		Kind: ObjectKind(r.ReadUBits(objectKind)),
	}
	if h.Kind > ObjectLeave {
		return h, fmt.Errorf("object %d: bad kind %d", h.ID, h.Kind)
	}
	if h.Kind == ObjectCreate {
		h.Table = int(r.ReadUBits(TableIDBits))
	}
	if err := r.Err(); err != nil {
		return h, fmt.Errorf("object header: %w", err)
	}
	return h, nil
}
