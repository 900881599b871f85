package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnauthorized    = "E_UNAUTHORIZED"

	// Rule/intent layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrNoPermission  = "E_NO_PERMISSION"
	ErrNoResource    = "E_NO_RESOURCE"
	ErrNoTarget      = "E_NO_TARGET"
	ErrNoSpace       = "E_NO_SPACE"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrLockTimeout   = "E_LOCK_TIMEOUT"
	ErrConflict      = "E_CONFLICT"
	ErrBusy          = "E_BUSY"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnauthorized:    {},
	ErrBadRequest:      {},
	ErrNoPermission:    {},
	ErrNoResource:      {},
	ErrNoTarget:        {},
	ErrNoSpace:         {},
	ErrInvalidTarget:   {},
	ErrLockTimeout:     {},
	ErrConflict:        {},
	ErrBusy:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
