// Package main provides a CI-friendly smoke test for the proserve bus relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack scope join
//   - storage_change fanout to another terminal in the same scope
//   - scope isolation
//   - rejection of an invalid change
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "proserve/contracts/bus/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8090/bus", "relay WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		scope   = flag.String("scope", "smoke-branch", "scope the terminals join")
		key     = flag.String("key", "cashierLastActivity", "key carried by the change")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *scope, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *scope, *timeout)
	defer closeWS(b.conn)

	other := mustConnect(root, "C", *wsURL, *origin, *scope+"-other", *timeout)
	defer closeWS(other.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s C=%s origin=%q\n", a.sessionID, b.sessionID, other.sessionID, *origin)
	}

	value := fmt.Sprintf("%d", time.Now().UnixMilli())
	change := v1.StorageChangePayload{
		Key:      *key,
		NewValue: value,
		Origin:   "smoke-" + a.sessionID,
		At:       time.Now().UTC(),
	}
	mustWriteWithTimeout(root, a.conn, mustEnvelope(v1.TypeStorageChange, "A-change", change), *timeout)

	got := b.mustReadUntilType(root, v1.TypeStorageChange, *timeout)
	var p v1.StorageChangePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal storage_change (B): %v", err)
	}
	if p.Key != change.Key || p.NewValue != change.NewValue || p.Origin != change.Origin || p.Removed {
		fatalf("storage_change mismatch (B): got=%+v want=%+v", p, change)
	}

	mustAssertNoType(root, other, v1.TypeStorageChange, 500*time.Millisecond)

	bad := v1.StorageChangePayload{Key: *key, NewValue: "x", Removed: true, Origin: "smoke"}
	mustWriteWithTimeout(root, a.conn, mustEnvelope(v1.TypeStorageChange, "A-bad", bad), *timeout)

	errEnv := a.mustReadUntilType(root, v1.TypeError, *timeout, v1.TypeStorageChange)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil {
		fatalf("unmarshal error payload (A): %v", err)
	}
	if ep.Code != v1.CodeBadEnvelope {
		fatalf("invalid change code mismatch: got=%q want=%q", ep.Code, v1.CodeBadEnvelope)
	}

	fmt.Println("OK: bus relay smoke passed")
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, scope string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, mustEnvelope(v1.TypeHello, name+"-hello", v1.HelloPayload{Scope: scope}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.Scope != scope {
		fatalf("hello_ack scope mismatch (%s): got=%q want=%q", name, p.Scope, scope)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes ...string) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("relay error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if contains(skipTypes, env.Type) {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func mustEnvelope(typ, id string, payload any) v1.Envelope {
	env, err := v1.NewEnvelope(typ, id, payload, time.Now().UTC())
	if err != nil {
		fatalf("build %s envelope: %v", typ, err)
	}
	return env
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
