// Package gateway is the websocket control plane: it authenticates
// devices, validates and routes RPC requests, deduplicates retries,
// and coordinates agent runs with the session, cron, pairing, and node
// subsystems.
package gateway

import "fmt"

// Stable error codes. Clients branch on these; messages are for humans.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeUnavailable    = "UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

// Error is the wire-visible failure shape.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds an Error with a formatted message.
func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError normalizes any error into a wire Error. Domain errors pass
// through; everything else becomes INTERNAL.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if gwErr, ok := err.(*Error); ok {
		return gwErr
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
