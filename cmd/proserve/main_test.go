package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// identityAPI accepts ana/s3cret and keeps the session in a cookie.
func identityAPI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth/login":
			var body struct{ Username, Password string }
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Username != "ana" || body.Password != "s3cret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"error":{"message":"Wrong password"}}`)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
			w.WriteHeader(http.StatusNoContent)
		case "/auth/me":
			if c, err := r.Cookie("sid"); err != nil || c.Value != "abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = io.WriteString(w, `{"id":7,"name":"Ana Perez","branch_id":3}`)
		case "/auth/refresh":
			w.WriteHeader(http.StatusUnauthorized)
		case "/auth/logout":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "", Path: "/", MaxAge: -1})
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func setupCLI(t *testing.T) {
	t.Helper()

	srv := httptest.NewServer(identityAPI())
	t.Cleanup(srv.Close)

	t.Setenv("PROSERVE_API_BASE_URL", srv.URL)
	t.Setenv("PROSERVE_COOKIE_FILE", filepath.Join(t.TempDir(), "cookies.json"))
	t.Setenv("PROSERVE_STORE_DRIVER", "memory")
	t.Setenv("PROSERVE_BUS_DRIVER", "local")
	t.Setenv("PROSERVE_PASSWORD", "")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := newRootCmd(strings.NewReader(stdin), &out, &errOut)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestLoginWhoamiLogout(t *testing.T) {
	setupCLI(t)

	out, err := run(t, "s3cret\n", "login", "-u", "ana")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "signed in as Ana Perez (#7)") {
		t.Fatalf("login output=%q", out)
	}

	out, err = run(t, "", "whoami")
	if err != nil {
		t.Fatalf("whoami after login: %v", err)
	}
	var id struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(out), &id); err != nil || id.ID != 7 {
		t.Fatalf("whoami output=%q err=%v", out, err)
	}

	if out, err = run(t, "", "logout"); err != nil || !strings.Contains(out, "signed out") {
		t.Fatalf("logout out=%q err=%v", out, err)
	}

	if _, err := run(t, "", "whoami"); !errors.Is(err, errNotSignedIn) {
		t.Fatalf("whoami after logout err=%v want errNotSignedIn", err)
	}
}

func TestLogin_Rejected(t *testing.T) {
	setupCLI(t)

	_, err := run(t, "wrong\n", "login", "-u", "ana")
	if err == nil || err.Error() != "Wrong password" {
		t.Fatalf("err=%v", err)
	}
}

func TestLogin_PasswordFromEnv(t *testing.T) {
	setupCLI(t)
	t.Setenv("PROSERVE_PASSWORD", "s3cret")

	if _, err := run(t, "", "login", "-u", "ana"); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestLogin_MissingPassword(t *testing.T) {
	setupCLI(t)

	if _, err := run(t, "", "login", "-u", "ana"); err == nil {
		t.Fatalf("expected an error without a password")
	}
}

func TestCashierCommands(t *testing.T) {
	setupCLI(t)

	out, err := run(t, "", "cashier", "start", "--id", "5", "--name", "Ana Perez")
	if err != nil {
		t.Fatalf("cashier start: %v", err)
	}
	if !strings.Contains(out, "cashier #5 Ana Perez") || !strings.Contains(out, "15m0s left") {
		t.Fatalf("start output=%q", out)
	}

	// The memory store lives for one invocation only.
	if _, err := run(t, "", "cashier", "status"); !errors.Is(err, errNoCashier) {
		t.Fatalf("status err=%v want errNoCashier", err)
	}
	if _, err := run(t, "", "cashier", "touch"); !errors.Is(err, errNoCashier) {
		t.Fatalf("touch err=%v want errNoCashier", err)
	}
	if out, err := run(t, "", "cashier", "clear"); err != nil || !strings.Contains(out, "signed out") {
		t.Fatalf("clear out=%q err=%v", out, err)
	}
	if _, err := run(t, "", "cashier", "start", "--id", "0"); err == nil {
		t.Fatalf("expected an error for a non-positive id")
	}
}

func TestInvalidConfigFails(t *testing.T) {
	setupCLI(t)
	t.Setenv("PROSERVE_STORE_DRIVER", "sqlite")

	if _, err := run(t, "", "cashier", "status"); err == nil || !strings.Contains(err.Error(), "unknown store driver") {
		t.Fatalf("err=%v", err)
	}
}

func TestEnvFileIsLoaded(t *testing.T) {
	setupCLI(t)

	// godotenv never overrides variables that are already set.
	os.Unsetenv("PROSERVE_CASHIER_TIMEOUT")
	t.Cleanup(func() { os.Unsetenv("PROSERVE_CASHIER_TIMEOUT") })

	envFile := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(envFile, []byte("PROSERVE_CASHIER_TIMEOUT=5m\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}

	var out bytes.Buffer
	root := newRootCmd(strings.NewReader(""), &out, io.Discard)
	root.SetArgs([]string{"--env-file", envFile, "--log-level", "error", "cashier", "start", "--id", "5", "--name", "Ana"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "5m0s left") {
		t.Fatalf("env file timeout not applied: %q", out.String())
	}
}
