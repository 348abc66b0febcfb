package protocol

import "netstate.dev/internal/replication/schema"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// SchemaCRC is the client's registry checksum. A mismatch ends the
	// session before any state is sent.
	SchemaCRC    uint32            `json:"schema_crc"`
	Capabilities HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	// MaxFrameBytes caps one binary update frame; 0 means no limit.
	MaxFrameBytes int  `json:"max_frame_bytes,omitempty"`
	Stats         bool `json:"stats,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	SessionID       string           `json:"session_id"`
	ClientSlot      int              `json:"client_slot"`
	TickRateHz      int              `json:"tick_rate_hz"`
	SchemaCRC       uint32           `json:"schema_crc"`
	Tables          []schema.Summary `json:"tables"`
}

// ACK (client -> server): the client applied the update frame for Tick.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint32 `json:"tick"`
}

// DISCONNECT (server -> client), sent before the socket is closed.
type DisconnectMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// STATS (server -> client), optional per-tick replication counters.
type StatsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint32 `json:"tick"`
	Objects         int    `json:"objects"`
	Bits            int    `json:"bits"`
	Dropped         int    `json:"dropped"`
}

func NewDisconnect(code, message string) DisconnectMsg {
	return DisconnectMsg{Type: TypeDisconnect, ProtocolVersion: Version, Code: code, Message: message}
}
