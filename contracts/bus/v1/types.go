package v1

import (
	"errors"
	"strings"
	"time"
)

// MaxKeyBytes and MaxValueBytes bound a single storage change.
const (
	MaxKeyBytes   = 256
	MaxValueBytes = 16 << 10
)

// HelloPayload names the scope (usually one site or one kiosk) the client joins.
type HelloPayload struct {
	Scope string `json:"scope"`
}

// HelloAckPayload carries the relay-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
}

// StorageChangePayload mirrors one accepted key-value write.
// Removed=true means the key was deleted and NewValue is empty.
type StorageChangePayload struct {
	Key      string    `json:"key"`
	NewValue string    `json:"new_value"`
	Removed  bool      `json:"removed"`
	Origin   string    `json:"origin"`
	At       time.Time `json:"at"`
}

// Validate rejects payloads the relay must not fan out.
func (p StorageChangePayload) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return errors.New("missing key")
	}
	if len(p.Key) > MaxKeyBytes {
		return errors.New("key too long")
	}
	if len(p.NewValue) > MaxValueBytes {
		return errors.New("value too long")
	}
	if p.Removed && p.NewValue != "" {
		return errors.New("removed change carries a value")
	}
	if strings.TrimSpace(p.Origin) == "" {
		return errors.New("missing origin")
	}
	return nil
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
