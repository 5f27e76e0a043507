package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"proserve/cmd/internal/ids"
	v1 "proserve/contracts/bus/v1"
)

const (
	wsDefaultOrigin      = "http://localhost"
	wsDefaultDialTimeout = 10 * time.Second
	wsWriteTimeout       = 5 * time.Second
	wsReadLimit          = 64 << 10
)

var errBadFrame = errors.New("bus: undecodable relay frame")

// WSTransport is a websocket client of the bus relay.
//
// Ownership model:
//   - WSTransport owns its connection. Close it when the participant shuts down.
//   - One read loop dispatches storage_change envelopes to subscribers.
type WSTransport struct {
	log       *slog.Logger
	conn      *websocket.Conn
	scope     string
	sessionID string

	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(Change)

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// WSOption configures DialWS.
type WSOption func(*wsDialConfig)

type wsDialConfig struct {
	origin      string
	header      http.Header
	dialTimeout time.Duration
	httpClient  *http.Client
}

// WithWSOrigin sets the Origin header sent to the relay.
func WithWSOrigin(origin string) WSOption {
	return func(c *wsDialConfig) { c.origin = origin }
}

// WithWSHeader adds request headers to the handshake.
func WithWSHeader(h http.Header) WSOption {
	return func(c *wsDialConfig) { c.header = h.Clone() }
}

// WithWSHTTPClient sets the HTTP client used for the handshake.
func WithWSHTTPClient(hc *http.Client) WSOption {
	return func(c *wsDialConfig) { c.httpClient = hc }
}

// DialWS connects to the relay at url, joins scope and starts the read loop.
func DialWS(ctx context.Context, log *slog.Logger, url, scope string, opts ...WSOption) (*WSTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg := wsDialConfig{origin: wsDefaultOrigin, dialTimeout: wsDefaultDialTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	header := cfg.header
	if header == nil {
		header = http.Header{}
	}
	if cfg.origin != "" {
		header.Set("Origin", cfg.origin)
	}

	dctx, dcancel := context.WithTimeout(ctx, cfg.dialTimeout)
	defer dcancel()

	conn, _, err := websocket.Dial(dctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   header,
		HTTPClient:   cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: dial relay: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	sessionID, err := wsHandshake(dctx, conn, scope)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}

	rctx, rcancel := context.WithCancel(context.Background())
	t := &WSTransport{
		log:       log,
		conn:      conn,
		scope:     scope,
		sessionID: sessionID,
		subs:      make(map[uint64]func(Change)),
		cancel:    rcancel,
		done:      make(chan struct{}),
	}
	go t.readLoop(rctx)

	log.Info("bus.ws.connected", "scope", scope, "session_id", sessionID)
	return t, nil
}

// Scope returns the relay scope this transport joined.
func (t *WSTransport) Scope() string { return t.scope }

// SessionID returns the id the relay assigned to this connection.
func (t *WSTransport) SessionID() string { return t.sessionID }

// Publish sends c to the relay, which fans it out to the scope.
func (t *WSTransport) Publish(ctx context.Context, c Change) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	env, err := v1.NewEnvelope(v1.TypeStorageChange, envelopeID(), v1.StorageChangePayload{
		Key:      c.Key,
		NewValue: c.NewValue,
		Removed:  c.Removed,
		Origin:   c.Origin,
		At:       c.At,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	return writeEnvelope(ctx, t.conn, env)
}

// Subscribe registers fn for every storage_change the relay delivers.
func (t *WSTransport) Subscribe(_ context.Context, fn func(Change)) (func(), error) {
	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}, nil
}

// Close shuts the connection down and waits for the read loop. Idempotent.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close(websocket.StatusNormalClosure, "bye")
		t.cancel()
		<-t.done
	})
	return err
}

// Done is closed when the read loop exits.
func (t *WSTransport) Done() <-chan struct{} { return t.done }

func (t *WSTransport) readLoop(ctx context.Context) {
	defer close(t.done)

	for {
		env, err := readEnvelope(ctx, t.conn)
		if errors.Is(err, errBadFrame) {
			t.log.Warn("bus.ws.decode.fail", "session_id", t.sessionID, "err", err)
			continue
		}
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				t.log.Warn("bus.ws.read.fail", "session_id", t.sessionID, "err", err)
			}
			return
		}

		switch env.Type {
		case v1.TypeStorageChange:
			var p v1.StorageChangePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.log.Warn("bus.ws.decode.fail", "session_id", t.sessionID, "err", err)
				continue
			}
			t.dispatch(Change{Key: p.Key, NewValue: p.NewValue, Removed: p.Removed, Origin: p.Origin, At: p.At})
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			t.log.Warn("bus.ws.relay.error", "session_id", t.sessionID, "code", p.Code, "message", p.Message)
		}
	}
}

func (t *WSTransport) dispatch(c Change) {
	t.mu.RLock()
	fns := make([]func(Change), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

func wsHandshake(ctx context.Context, conn *websocket.Conn, scope string) (string, error) {
	hello, err := v1.NewEnvelope(v1.TypeHello, envelopeID(), v1.HelloPayload{Scope: scope}, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if err := writeEnvelope(ctx, conn, hello); err != nil {
		return "", err
	}

	for {
		env, err := readEnvelope(ctx, conn)
		if errors.Is(err, errBadFrame) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := json.Unmarshal(env.Payload, &ack); err != nil || ack.SessionID == "" {
				return "", fmt.Errorf("%w: bad hello_ack", ErrHandshake)
			}
			return ack.SessionID, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return "", fmt.Errorf("%w: %s: %s", ErrHandshake, p.Code, p.Message)
		}
	}
}

func envelopeID() string {
	id, err := ids.NewULID(time.Now())
	if err != nil {
		return ""
	}
	return id
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, wsWriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
