package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRefresher struct {
	calls atomic.Int32
	err   error
	onRun func()
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.calls.Add(1)
	if f.onRun != nil {
		f.onRun()
	}
	return f.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(m string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return true
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// scripted answers each hit on a path with the next status in the script.
type scripted struct {
	mu     sync.Mutex
	script []int
	hits   int
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := http.StatusOK
	if s.hits < len(s.script) {
		status = s.script[s.hits]
	}
	s.hits++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = io.WriteString(w, `{"ok":true}`)
		return
	}
	_, _ = io.WriteString(w, `{"message":"nope"}`)
}

func (s *scripted) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func newClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(testLogger(), srv.Client(), srv.URL+"/api", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestDo_SuccessPassesThrough(t *testing.T) {
	t.Parallel()

	h := &scripted{script: []int{200}}
	ref := &fakeRefresher{}
	c := newClient(t, h, WithRefresher(ref))

	var out struct{ OK bool }
	req, _ := NewRequest(http.MethodGet, "/orders", nil)
	if err := c.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if !out.OK || h.Hits() != 1 || ref.calls.Load() != 0 {
		t.Fatalf("ok=%v hits=%d refreshes=%d", out.OK, h.Hits(), ref.calls.Load())
	}
}

func TestDo_RefreshThenRetryOnce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		script     []int
		wantErr    bool
		wantStatus int
	}{
		{name: "retry succeeds", script: []int{401, 200}},
		{name: "second 401 not retried", script: []int{401, 401, 200}, wantErr: true, wantStatus: 401},
		{name: "retry fails with 500", script: []int{401, 500}, wantErr: true, wantStatus: 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := &scripted{script: tc.script}
			ref := &fakeRefresher{}
			n := &fakeNotifier{}
			c := newClient(t, h, WithRefresher(ref), WithExpiryNotifier(n))

			req, _ := NewRequest(http.MethodPost, "sales", map[string]int{"total": 10})
			resp, err := c.Do(context.Background(), req)

			if ref.calls.Load() != 1 {
				t.Fatalf("refresh calls=%d want 1", ref.calls.Load())
			}
			if h.Hits() != 2 {
				t.Fatalf("sends=%d want 2", h.Hits())
			}
			if n.count() != 0 {
				t.Fatalf("notifier called on successful refresh")
			}
			if req.Attempt() != 0 {
				t.Fatalf("original request mutated: attempt=%d", req.Attempt())
			}
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if got := StatusOf(err); got != tc.wantStatus {
					t.Fatalf("status=%d want %d", got, tc.wantStatus)
				}
				return
			}
			if err != nil || resp.Status != 200 {
				t.Fatalf("Do = (%v,%v) want 200", resp, err)
			}
		})
	}
}

func TestDo_AlreadyRetriedIsNotRefreshed(t *testing.T) {
	t.Parallel()

	h := &scripted{script: []int{401}}
	ref := &fakeRefresher{}
	c := newClient(t, h, WithRefresher(ref))

	req, _ := NewRequest(http.MethodGet, "/me", nil)
	_, err := c.Do(context.Background(), req.Retried())
	if StatusOf(err) != 401 {
		t.Fatalf("err=%v want 401", err)
	}
	if ref.calls.Load() != 0 {
		t.Fatalf("refresh must not run for a retried request")
	}
}

func TestDo_LoginFlowSkipsRefresh(t *testing.T) {
	t.Parallel()

	h := &scripted{script: []int{401}}
	ref := &fakeRefresher{}
	c := newClient(t, h, WithRefresher(ref))

	req, _ := NewRequest(http.MethodPost, "/auth/login", map[string]string{"username": "ana"})
	_, err := c.Do(context.Background(), req.AsLoginFlow())

	var te *Error
	if !errors.As(err, &te) || te.Status != 401 || te.Message != "nope" {
		t.Fatalf("err=%v want 401 with server message", err)
	}
	if ref.calls.Load() != 0 || h.Hits() != 1 {
		t.Fatalf("refreshes=%d hits=%d want 0,1", ref.calls.Load(), h.Hits())
	}
}

func TestDo_RefreshFailureIsSessionExpired(t *testing.T) {
	t.Parallel()

	h := &scripted{script: []int{401}}
	cause := errors.New("refresh rejected")
	ref := &fakeRefresher{err: cause}
	n := &fakeNotifier{}
	c := newClient(t, h, WithExpiryNotifier(n))
	c.SetRefresher(ref)

	req, _ := NewRequest(http.MethodGet, "/products", nil)
	_, err := c.Do(context.Background(), req)

	var se *SessionExpiredError
	if !errors.As(err, &se) {
		t.Fatalf("err=%T %v want *SessionExpiredError", err, err)
	}
	if !errors.Is(err, ErrSessionExpired) || !errors.Is(err, cause) {
		t.Fatalf("errors.Is chain broken: %v", err)
	}
	if n.count() != 1 {
		t.Fatalf("notifier calls=%d want 1", n.count())
	}
	if h.Hits() != 1 {
		t.Fatalf("original must not be resent after failed refresh, hits=%d", h.Hits())
	}
}

func TestDo_CanceledRefreshIsNotExpiry(t *testing.T) {
	t.Parallel()

	h := &scripted{script: []int{401}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ref := &fakeRefresher{err: context.Canceled, onRun: cancel}
	n := &fakeNotifier{}
	c := newClient(t, h, WithRefresher(ref), WithExpiryNotifier(n))

	req, _ := NewRequest(http.MethodGet, "/me", nil)
	_, err := c.Do(ctx, req)

	if errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err=%v: cancellation reported as session expiry", err)
	}
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrTransport) {
		t.Fatalf("err=%v want transport error wrapping context.Canceled", err)
	}
	if n.count() != 0 {
		t.Fatalf("notifier calls=%d want 0", n.count())
	}
	if ref.calls.Load() != 1 || h.Hits() != 1 {
		t.Fatalf("refreshes=%d hits=%d want 1,1", ref.calls.Load(), h.Hits())
	}
}

// alternating answers 401 to the first send of each request and 200 to the
// resend, keyed by the "n" query parameter.
type alternating struct {
	mu    sync.Mutex
	seen  map[string]bool
	sends int
}

func (a *alternating) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.sends++
	id := r.URL.Query().Get("n")
	first := !a.seen[id]
	a.seen[id] = true
	a.mu.Unlock()

	if first {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *alternating) Sends() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sends
}

func TestDo_ConcurrentUnauthorizedRefreshIndependently(t *testing.T) {
	t.Parallel()

	const n = 5
	h := &alternating{seen: make(map[string]bool)}
	ref := &fakeRefresher{}
	notes := &fakeNotifier{}
	c := newClient(t, h, WithRefresher(ref), WithExpiryNotifier(notes))

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := NewRequest(http.MethodGet, fmt.Sprintf("/orders?n=%d", i), nil)
			resp, err := c.Do(context.Background(), req)
			if err == nil && resp.Status != http.StatusOK {
				err = fmt.Errorf("status=%d", resp.Status)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if got := ref.calls.Load(); got != n {
		t.Fatalf("refreshes=%d want %d", got, n)
	}
	if got := h.Sends(); got != 2*n {
		t.Fatalf("sends=%d want %d", got, 2*n)
	}
	if notes.count() != 0 {
		t.Fatalf("notifier calls=%d want 0", notes.count())
	}
}

func TestDo_NonAuthFailuresPropagate(t *testing.T) {
	t.Parallel()

	h := &scripted{script: []int{403}}
	ref := &fakeRefresher{}
	c := newClient(t, h, WithRefresher(ref))

	req, _ := NewRequest(http.MethodDelete, "/orders/1", nil)
	_, err := c.Do(context.Background(), req)
	if StatusOf(err) != 403 || !errors.Is(err, ErrTransport) {
		t.Fatalf("err=%v want 403 transport error", err)
	}
	if ref.calls.Load() != 0 {
		t.Fatalf("403 must not refresh")
	}
}

func TestDo_NetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(testLogger(), nil, url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req, _ := NewRequest(http.MethodGet, "/me", nil)
	_, err = c.Do(context.Background(), req)
	if !errors.Is(err, ErrTransport) || StatusOf(err) != 0 {
		t.Fatalf("err=%v want network transport error", err)
	}
}

func TestSend_PathAndHeaders(t *testing.T) {
	t.Parallel()

	var gotPath, gotRID, gotCT string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRID = r.Header.Get(RequestIDHeader)
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	})
	c := newClient(t, h, WithUserAgent("proserve-test"))

	req, _ := NewRequest(http.MethodPost, "/auth/logout", struct{}{})
	if _, err := c.Do(context.Background(), req); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotPath != "/api/auth/logout" {
		t.Fatalf("path=%q want /api/auth/logout", gotPath)
	}
	if len(gotRID) != 36 {
		t.Fatalf("request id=%q want uuid", gotRID)
	}
	if gotCT != "application/json" {
		t.Fatalf("content-type=%q", gotCT)
	}
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "ftp://x", "://bad"} {
		if _, err := New(testLogger(), nil, u); err == nil {
			t.Fatalf("New(%q) expected error", u)
		}
	}
}

func TestServerMessage(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`{"message":"Wrong password"}`:             "Wrong password",
		`{"error":{"message":"Account locked"}}`:   "Account locked",
		`{"error":"Too many attempts"}`:            "Too many attempts",
		`{"error":{"code":"x"}}`:                   "",
		`not json`:                                 "",
		`{"message":"  ","error":{"message":"b"}}`: "b",
	}
	for body, want := range cases {
		if got := serverMessage([]byte(body)); got != want {
			t.Fatalf("serverMessage(%s)=%q want %q", body, got, want)
		}
	}
}
