// Package v1 defines the proserve bus relay protocol v1.
//
// The relay and the websocket bus transport both import this package so the
// wire shape has a single owner.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "proserve.bus.v1"

// Type constants (wire-stable).
const (
	// TypeHello joins a scope (client -> relay).
	TypeHello = "hello"
	// TypeHelloAck confirms the join (relay -> client).
	TypeHelloAck = "hello_ack"

	// TypeStorageChange carries one key-value write (both directions).
	TypeStorageChange = "storage_change"

	// TypeError reports a rejected envelope (relay -> client).
	TypeError = "error"
)

// Error codes sent in ErrorPayload.Code.
const (
	CodeBadJSON     = "bad_json"
	CodeBadEnvelope = "bad_envelope"
	CodeNotJoined   = "not_joined"
	CodeRateLimited = "rate_limited"
	CodeUnsupported = "unsupported"
	CodeHelloFailed = "hello_failed"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello, TypeHelloAck, TypeStorageChange, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into a versioned envelope.
func NewEnvelope(typ, id string, payload any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}
