package casttransport

import "github.com/pkg/errors"

var (
	ErrNoSocket    = errors.New("joinRoom: no socket, call Connect first")
	ErrNotJoined   = errors.New("push: no joined channel")
	ErrJoinTimeout = errors.New("joinRoom: join request timed out")
	ErrPushTimeout = errors.New("push: request timed out")
	ErrJoinFailed  = errors.New("joinRoom: server rejected join")
	ErrStopped     = errors.New("connect: reconnect disabled after critical error")
)

// Error codes that will not resolve by retrying. Anything else is treated
// as transient.
var nonRetryableCodes = map[string]struct{}{
	"TOKEN_INVALID":               {},
	"TOKEN_EXPIRED":               {},
	"PERMISSION_DENIED":           {},
	"ROOM_NOT_FOUND":              {},
	"ROOM_CLOSED":                 {},
	"INVALID_ROOM":                {},
	"Missing authorization token": {},
}

// Codes that mean the auth token itself is unusable and the hosting app
// must re-authenticate.
var criticalCodes = map[string]struct{}{
	"TOKEN_INVALID":               {},
	"TOKEN_EXPIRED":               {},
	"Missing authorization token": {},
}

// errorCode digs the server's code out of a join/push error payload. Servers
// report it as either "error" or "reason".
func errorCode(payload map[string]any) string {
	if code, ok := payload["error"].(string); ok {
		return code
	}
	if code, ok := payload["reason"].(string); ok {
		return code
	}
	return ""
}

// IsRetryableError reports whether the error payload describes a transient
// failure. Unknown codes are retryable.
func IsRetryableError(payload map[string]any) bool {
	_, fatal := nonRetryableCodes[errorCode(payload)]
	return !fatal
}

// IsCriticalError reports whether the error payload describes an auth
// failure that requires re-authentication.
func IsCriticalError(payload map[string]any) bool {
	_, critical := criticalCodes[errorCode(payload)]
	return critical
}

// ErrorEvent is emitted for join and connection failures.
type ErrorEvent struct {
	Payload   map[string]any
	Err       error
	Critical  bool
	Retryable bool
}
