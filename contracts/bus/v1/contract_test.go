package v1

import (
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "hello", env: Envelope{V: Version, Type: TypeHello}},
		{name: "change", env: Envelope{V: Version, Type: TypeStorageChange}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: true},
		{name: "old version", env: Envelope{V: "v0", Type: TypeHello}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "message_send"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.env.Validate(); (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestStorageChangeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cases := []struct {
		name    string
		p       StorageChangePayload
		wantErr bool
	}{
		{name: "set", p: StorageChangePayload{Key: "cashierId", NewValue: "7", Origin: "o1", At: now}},
		{name: "remove", p: StorageChangePayload{Key: "cashierId", Removed: true, Origin: "o1", At: now}},
		{name: "empty key", p: StorageChangePayload{Origin: "o1"}, wantErr: true},
		{name: "long key", p: StorageChangePayload{Key: strings.Repeat("k", MaxKeyBytes+1), Origin: "o1"}, wantErr: true},
		{name: "long value", p: StorageChangePayload{Key: "k", NewValue: strings.Repeat("v", MaxValueBytes+1), Origin: "o1"}, wantErr: true},
		{name: "removed with value", p: StorageChangePayload{Key: "k", NewValue: "x", Removed: true, Origin: "o1"}, wantErr: true},
		{name: "no origin", p: StorageChangePayload{Key: "k"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.p.Validate(); (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}
