package bus

import "errors"

var (
	// ErrClosed is returned when publishing through a closed Bus or Transport.
	ErrClosed = errors.New("bus: closed")
	// ErrNilTransport is returned by New when no transport is supplied.
	ErrNilTransport = errors.New("bus: nil transport")
	// ErrHandshake is returned when the relay does not acknowledge hello.
	ErrHandshake = errors.New("bus: relay handshake failed")
)
