package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest     = "E_PROTO_BAD_REQUEST"
	ErrIncompatibleVersion = "E_INCOMPATIBLE_VERSION"

	// Session routing.
	ErrServerFull = "E_SERVER_FULL"
	ErrStale      = "E_STALE"

	// Replication.
	ErrCapacity = "E_CAPACITY"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:     {},
	ErrIncompatibleVersion: {},
	ErrServerFull:          {},
	ErrStale:               {},
	ErrCapacity:            {},
	ErrInternal:            {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
