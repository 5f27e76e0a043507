package bus

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultPGChannel is the LISTEN/NOTIFY channel used when none is configured.
// Postgres channels are identifiers, so the Redis default cannot be reused as-is.
const DefaultPGChannel = "proserve_bus"

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresTransport uses pg_notify to publish and a held connection to LISTEN.
//
// Ownership model:
//   - PostgresTransport does NOT own the pool. The caller must close it.
//   - Each Subscribe holds one pooled connection until cancelled.
type PostgresTransport struct {
	log     *slog.Logger
	pool    *pgxpool.Pool
	exec    execer
	channel string
}

var pgChannelRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresTransport constructs a Postgres-backed Transport. An empty channel uses DefaultPGChannel.
func NewPostgresTransport(log *slog.Logger, pool *pgxpool.Pool, channel string) (*PostgresTransport, error) {
	if pool == nil {
		return nil, errors.New("bus: nil pool")
	}
	if log == nil {
		log = slog.Default()
	}
	if channel == "" {
		channel = DefaultPGChannel
	}
	if !pgChannelRE.MatchString(channel) {
		return nil, errors.New("bus: invalid postgres channel identifier")
	}
	return &PostgresTransport{log: log, pool: pool, exec: pool, channel: channel}, nil
}

// Publish sends c with pg_notify. Payloads above the server limit (8000 bytes) fail.
func (t *PostgresTransport) Publish(ctx context.Context, c Change) error {
	b, err := encodeChange(c)
	if err != nil {
		return err
	}
	_, err = t.exec.Exec(ctx, `SELECT pg_notify($1, $2)`, t.channel, string(b))
	return err
}

// Subscribe acquires a connection, issues LISTEN and delivers notifications to fn
// until cancel is called.
func (t *PostgresTransport) Subscribe(ctx context.Context, fn func(Change)) (func(), error) {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}

	lctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(lctx)
			if err != nil {
				if lctx.Err() == nil {
					t.log.Error("bus.pg.listen.fail", "channel", t.channel, "err", err)
				}
				return
			}
			c, err := decodeChange([]byte(n.Payload))
			if err != nil {
				t.log.Warn("bus.pg.decode.fail", "channel", t.channel, "err", err)
				continue
			}
			fn(c)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			// An interrupted wait leaves the connection unusable; close it so the pool drops it.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		})
	}, nil
}
