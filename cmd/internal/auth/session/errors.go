package session

import "errors"

// ErrClosed is returned by operations on a closed Provider.
var ErrClosed = errors.New("session: provider closed")
