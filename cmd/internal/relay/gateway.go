package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"proserve/cmd/internal/ids"
	"proserve/cmd/internal/metrics"
	v1 "proserve/contracts/bus/v1"
)

// Gateway is the websocket entrypoint of the relay.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and fans validated storage_change envelopes out to the sender's scope.
type Gateway struct {
	log *slog.Logger
	hub *Hub
	cfg Config

	patterns []string
}

// NewGateway constructs a gateway. A nil hub gets a fresh one.
func NewGateway(log *slog.Logger, hub *Hub, cfg Config) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	cfg = cfg.withDefaults()
	return &Gateway{log: log, hub: hub, cfg: cfg, patterns: originPatterns(cfg.AllowedOrigins)}
}

// Hub returns the gateway's scope registry.
func (g *Gateway) Hub() *Hub { return g.hub }

// ServeHTTP upgrades the request and runs the relay loop for one terminal.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("relay.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("relay.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("relay.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now())
	if err != nil {
		g.log.Error("relay.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	metrics.RelayConnections.Inc()
	defer metrics.RelayConnections.Dec()

	g.serve(r.Context(), conn, NewMember(sessionID, g.cfg.SendQueueSize))
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, client *Member) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		closeOnce sync.Once
		joinedMu  sync.Mutex
		joined    *Scope
	)
	currentScope := func() *Scope {
		joinedMu.Lock()
		defer joinedMu.Unlock()
		return joined
	}

	// shutdown never closes client.Outbox; membership is removed before client.Leave.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			joinedMu.Lock()
			if joined != nil {
				g.hub.Leave(joined.Name, client.SessionID)
				joined = nil
			}
			joinedMu.Unlock()
			client.Leave()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Left():
				return
			case env := <-client.Outbox:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("relay.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if g.cfg.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		}
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("relay.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now().UTC()) {
			metrics.RelayEventsTotal.WithLabelValues("rate_limited").Inc()
			g.trySendError(ctx, client, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			s, err := g.onHello(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, v1.CodeHelloFailed, err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			joinedMu.Lock()
			if joined != nil && joined.Name != s.Name {
				g.hub.Leave(joined.Name, client.SessionID)
			}
			joined = s
			joinedMu.Unlock()

		case v1.TypeStorageChange:
			s := currentScope()
			if s == nil {
				g.trySendError(ctx, client, v1.CodeNotJoined, "hello first")
				continue readLoop
			}
			if err := g.onStorageChange(s, env); err != nil {
				metrics.RelayEventsTotal.WithLabelValues("rejected").Inc()
				g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Member, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Left():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err == nil {
				failures = 0
				continue
			}
			failures++
			g.log.Info("relay.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
			if failures >= maxPingFailures {
				shutdown(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (g *Gateway) onHello(ctx context.Context, client *Member, env v1.Envelope) (*Scope, error) {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	name := strings.TrimSpace(p.Scope)
	if name == "" {
		return nil, errors.New("missing scope")
	}
	if len(name) > maxScopeBytes {
		return nil, errors.New("scope too long")
	}

	ack, err := v1.NewEnvelope(v1.TypeHelloAck, newEnvelopeID(), v1.HelloAckPayload{
		SessionID: client.SessionID,
		Scope:     name,
	}, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s := g.hub.Join(name, client)
	if !g.enqueue(ctx, client, ack) {
		g.hub.Leave(name, client.SessionID)
		return nil, errors.New("backpressure: hello_ack")
	}
	return s, nil
}

func (g *Gateway) onStorageChange(s *Scope, env v1.Envelope) error {
	var p v1.StorageChangePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}

	out, err := v1.NewEnvelope(v1.TypeStorageChange, newEnvelopeID(), p, time.Now().UTC())
	if err != nil {
		return err
	}
	n := s.Broadcast(out)
	metrics.RelayEventsTotal.WithLabelValues("fanout").Inc()
	g.log.Debug("relay.change.fanout", "scope", s.Name, "key", p.Key, "origin", p.Origin, "members", n)
	return nil
}

func (g *Gateway) trySendError(ctx context.Context, client *Member, code, msg string) {
	env, err := v1.NewEnvelope(v1.TypeError, newEnvelopeID(), v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Member, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Left():
		return false
	case client.Outbox <- env:
		return true
	default:
		return false
	}
}

func newEnvelopeID() string {
	id, err := ids.NewULID(time.Now())
	if err != nil {
		return ""
	}
	return id
}

var errBadJSON = errors.New("relay: invalid json frame")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	}
	return readErrUnknown
}
