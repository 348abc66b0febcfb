package protocol

import "encoding/json"

const Version = "1.0"

// Message types. Control messages travel as JSON text frames; state updates
// travel as binary frames (see frame.go).
const (
	TypeHello      = "HELLO"
	TypeWelcome    = "WELCOME"
	TypeAck        = "ACK"
	TypeDisconnect = "DISCONNECT"
	TypeStats      = "STATS"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
