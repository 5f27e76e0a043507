package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport matches every *Error.
	ErrTransport = errors.New("transport: request failed")
	// ErrSessionExpired matches every *SessionExpiredError.
	ErrSessionExpired = errors.New("session expired")
)

// Error is a network failure (Status == 0) or a non-2xx response.
type Error struct {
	Status  int
	Message string
	Body    []byte
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("transport: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("transport: status %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("transport: status %d", e.Status)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}

// SessionExpiredError means the silent refresh failed. It is terminal: callers
// must not retry and should treat the user as signed out.
type SessionExpiredError struct {
	Err error
}

func (e *SessionExpiredError) Error() string {
	if e.Err == nil {
		return ErrSessionExpired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSessionExpired, e.Err)
}

func (e *SessionExpiredError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSessionExpired}
	}
	return []error{ErrSessionExpired, e.Err}
}
