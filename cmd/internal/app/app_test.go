package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"proserve/cmd/internal/auth/expiry"
	"proserve/cmd/internal/auth/identity"
	"proserve/cmd/internal/auth/transport"
	"proserve/cmd/internal/bus"
	"proserve/cmd/internal/kv"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// identityAPI is a cookie-session identity server whose session can be revoked.
type identityAPI struct {
	mu      sync.Mutex
	revoked bool
}

func (a *identityAPI) revoke() {
	a.mu.Lock()
	a.revoked = true
	a.mu.Unlock()
}

func (a *identityAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	revoked := a.revoked
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/auth/login":
		var c identity.Credentials
		_ = json.NewDecoder(r.Body).Decode(&c)
		if c.Username != "ana" || c.Password != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"Wrong username or password"}`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		w.WriteHeader(http.StatusNoContent)
	case "/auth/me":
		if c, err := r.Cookie("sid"); err != nil || c.Value != "abc" || revoked {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"id":7,"name":"Ana","role_id":2,"branch_id":3,"client_id":11}`)
	case "/auth/refresh":
		w.WriteHeader(http.StatusUnauthorized)
	case "/auth/logout":
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "", Path: "/", MaxAge: -1})
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type terminals struct {
	api   *identityAPI
	hub   *bus.LocalHub
	store *kv.MemoryBackend
}

func newTerminals(t *testing.T) *terminals {
	t.Helper()

	api := &identityAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	tt := &terminals{api: api, hub: bus.NewLocalHub(), store: kv.NewMemoryBackend()}
	t.Setenv("PROSERVE_API_BASE_URL", srv.URL)
	return tt
}

func (tt *terminals) open(t *testing.T) *Runtime {
	t.Helper()

	cfg := LoadConfig()
	cfg.CookieFile = ""
	cfg.ExpiryCooldown = time.Hour

	rt, err := NewRuntime(context.Background(), cfg, discardLogger(),
		WithBackend(tt.store),
		WithBusTransport(tt.hub),
	)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestRuntime_CashierSessionSharedAcrossTerminals(t *testing.T) {
	tt := newTerminals(t)
	a, b := tt.open(t), tt.open(t)

	var seen atomic.Int32
	b.Cashier.Watch(func() { seen.Add(1) })

	a.Cashier.Start(5, "Ana Perez")

	s, ok := b.Cashier.Read()
	if !ok || s.CashierID != 5 || s.FullName != "Ana Perez" {
		t.Fatalf("terminal b read=%+v ok=%v", s, ok)
	}
	if seen.Load() == 0 {
		t.Fatalf("terminal b was not told about the new session")
	}

	before := seen.Load()
	b.Cashier.Clear()
	if _, ok := a.Cashier.Read(); ok {
		t.Fatalf("clear on b must end the session on a")
	}
	if seen.Load() == before {
		t.Fatalf("local clear must notify local watchers")
	}
}

func TestRuntime_LoginExpiryAndNotice(t *testing.T) {
	tt := newTerminals(t)
	rt := tt.open(t)
	ctx := context.Background()

	var out syncBuffer
	redirected := make(chan struct{}, 1)
	n := NewNotice(rt.Expiry, &out, time.Millisecond, func() { redirected <- struct{}{} })
	t.Cleanup(n.Close)

	if err := rt.Session.Login(ctx, identity.Credentials{Username: "ana", Password: "s3cret"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	st := rt.Session.State()
	if !st.Authenticated() || st.Identity.ID != 7 {
		t.Fatalf("state=%+v", st)
	}
	if v, ok := rt.Store.Get(identity.KeyBranch); !ok || v != "3" {
		t.Fatalf("branch cached=%q ok=%v", v, ok)
	}

	tt.api.revoke()

	err := rt.Session.RefreshUser(ctx)
	if !errors.Is(err, transport.ErrSessionExpired) {
		t.Fatalf("err=%v want ErrSessionExpired", err)
	}
	if rt.Session.State().Authenticated() {
		t.Fatalf("expired session must clear identity")
	}
	if rt.Expiry.State() != expiry.StateNotified {
		t.Fatalf("broadcaster state=%v", rt.Expiry.State())
	}

	select {
	case <-redirected:
	case <-time.After(2 * time.Second):
		t.Fatalf("expiry notice never redirected")
	}
	if _, ok := rt.Store.Get(identity.KeyBranch); ok {
		t.Fatalf("expiry must drop cached ids")
	}
}

func TestRuntime_LoginRejected(t *testing.T) {
	tt := newTerminals(t)
	rt := tt.open(t)

	err := rt.Session.Login(context.Background(), identity.Credentials{Username: "ana", Password: "nope"})
	var ae *identity.AuthError
	if !errors.As(err, &ae) || ae.Message != "Wrong username or password" {
		t.Fatalf("err=%v", err)
	}
	if rt.Session.State().Authenticated() {
		t.Fatalf("rejected login must not authenticate")
	}
}

func TestNewRuntime_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := Config{APIBaseURL: "http://127.0.0.1:1", StoreDriver: "sqlite", BusDriver: BusLocal}
	if _, err := NewRuntime(context.Background(), cfg, discardLogger()); !errors.Is(err, ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
}

func TestNewRuntime_DefaultDrivers(t *testing.T) {
	t.Parallel()

	cfg := Config{APIBaseURL: "http://127.0.0.1:1", StoreDriver: StoreMemory, BusDriver: BusLocal}
	rt, err := NewRuntime(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Close()

	if _, ok := rt.Transport.(*bus.LocalHub); !ok {
		t.Fatalf("transport=%T want *bus.LocalHub", rt.Transport)
	}
	rt.Store.Set("k", "v")
	if v, ok := rt.Store.Get("k"); !ok || v != "v" {
		t.Fatalf("store round trip failed")
	}
	rt.Close()
	rt.Close()
}
