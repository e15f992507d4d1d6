package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed resolves every call still pending when the
	// dispatch loop ends. Nothing is retried and there is no reconnect: the
	// protocol has no session resumption.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCallTimedOut means the peer did not reply within the call timeout.
	// The call may still be processed server-side; timing out only releases
	// the waiting caller.
	ErrCallTimedOut = errors.New("call timed out")
)

// ServerError is the error payload of a failed reply, surfaced to the
// issuing caller as-is.
type ServerError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}
