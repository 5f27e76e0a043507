// Package app wires the proserve runtime: config, logging, storage and bus
// drivers, the identity stack, the cashier manager and the relay server.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"proserve/cmd/internal/auth/expiry"
	"proserve/cmd/internal/auth/identity"
	"proserve/cmd/internal/auth/session"
	"proserve/cmd/internal/auth/transport"
	"proserve/cmd/internal/bus"
	"proserve/cmd/internal/cashier"
	"proserve/cmd/internal/kv"
)

// UserAgent is sent on every API request.
const UserAgent = "proserve/1"

// Runtime is one terminal participant: everything a kiosk screen needs.
//
// Ownership model:
//   - Runtime owns the DB pool, the Redis client and the bus transport it opened.
//   - Close releases them in reverse order of construction.
type Runtime struct {
	cfg Config
	log Logger

	Store     *kv.Store
	Bus       *bus.Bus
	HTTP      *transport.Client
	Identity  *identity.Service
	Expiry    *expiry.Broadcaster
	Session   *session.Provider
	Cashier   *cashier.Manager
	Transport bus.Transport

	closers []func()
}

// RuntimeOption overrides a dependency, mostly for tests and embedding.
type RuntimeOption func(*runtimeDeps)

type runtimeDeps struct {
	backend   kv.Backend
	transport bus.Transport
	doer      transport.Doer
}

// WithBackend replaces the configured store driver.
func WithBackend(b kv.Backend) RuntimeOption {
	return func(d *runtimeDeps) { d.backend = b }
}

// WithBusTransport replaces the configured bus driver.
func WithBusTransport(t bus.Transport) RuntimeOption {
	return func(d *runtimeDeps) { d.transport = t }
}

// WithDoer replaces the cookie-carrying HTTP client.
func WithDoer(doer transport.Doer) RuntimeOption {
	return func(d *runtimeDeps) { d.doer = doer }
}

// NewRuntime builds a Runtime from cfg. On error, everything opened so far is released.
func NewRuntime(ctx context.Context, cfg Config, log Logger, opts ...RuntimeOption) (rt *Runtime, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	var deps runtimeDeps
	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}
	if deps.backend == nil || deps.transport == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	rt = &Runtime{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	pool, rdb, err := rt.openShared(ctx, deps)
	if err != nil {
		return rt, err
	}

	backend := deps.backend
	if backend == nil {
		if backend, err = newBackend(ctx, cfg, pool, rdb); err != nil {
			return rt, fmt.Errorf("store %s: %w", cfg.StoreDriver, err)
		}
	}

	tr := deps.transport
	if tr == nil {
		if tr, err = rt.newBusTransport(ctx, pool, rdb); err != nil {
			return rt, fmt.Errorf("bus %s: %w", cfg.BusDriver, err)
		}
	}
	rt.Transport = tr

	if rt.Bus, err = bus.New(ctx, log, tr); err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, rt.Bus.Close)

	rt.Store = kv.New(log, backend, kv.WithNotifier(rt.Bus), kv.WithTimeout(cfg.StoreTimeout))
	rt.Expiry = expiry.New(log, expiry.WithCooldown(cfg.ExpiryCooldown))

	doer := deps.doer
	if doer == nil {
		jar, err := NewCookieJar(log, cfg.APIBaseURL, cfg.CookieFile)
		if err != nil {
			return rt, fmt.Errorf("cookie jar: %w", err)
		}
		doer = &http.Client{Jar: jar, Timeout: cfg.HTTPTimeout}
	}

	rt.HTTP, err = transport.New(log, doer, cfg.APIBaseURL,
		transport.WithExpiryNotifier(rt.Expiry),
		transport.WithUserAgent(UserAgent),
	)
	if err != nil {
		return rt, err
	}

	rt.Identity = identity.NewService(log, rt.HTTP, rt.Store)
	rt.HTTP.SetRefresher(rt.Identity)

	rt.Session = session.NewProvider(log, rt.Identity, rt.Expiry, session.Options{OnLoginView: cfg.LoginView})
	rt.closers = append(rt.closers, rt.Session.Close)

	rt.Cashier = cashier.New(log, rt.Store, rt.Bus, cashier.WithTimeout(cfg.CashierTimeout))

	log.Info("runtime.ready",
		"store", cfg.StoreDriver,
		"bus", cfg.BusDriver,
		"origin", rt.Bus.Origin(),
		"api", cfg.APIBaseURL,
	)
	return rt, nil
}

// Config returns the configuration the runtime was built from.
func (rt *Runtime) Config() Config { return rt.cfg }

// Close releases everything the runtime opened. Safe to call more than once.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// openShared opens the DB pool and Redis client only when a configured driver needs them.
func (rt *Runtime) openShared(ctx context.Context, deps runtimeDeps) (*pgxpool.Pool, *redis.Client, error) {
	cfg := rt.cfg
	needBackend := deps.backend == nil
	needBus := deps.transport == nil

	var pool *pgxpool.Pool
	if (needBackend && cfg.StoreDriver == StorePostgres) || (needBus && cfg.BusDriver == BusPostgres) {
		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("db: %w", err)
		}
		pool = p
		rt.closers = append(rt.closers, p.Close)
	}

	var rdb *redis.Client
	if (needBackend && cfg.StoreDriver == StoreRedis) || (needBus && cfg.BusDriver == BusRedis) {
		c, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		rdb = c
		rt.closers = append(rt.closers, func() { _ = c.Close() })
	}

	return pool, rdb, nil
}

func newBackend(ctx context.Context, cfg Config, pool *pgxpool.Pool, rdb *redis.Client) (kv.Backend, error) {
	switch cfg.StoreDriver {
	case StorePostgres:
		b, err := kv.NewPostgresBackend(pool, kv.WithSchema(cfg.StoreSchema))
		if err != nil {
			return nil, err
		}
		if err := b.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return b, nil
	case StoreRedis:
		return kv.NewRedisBackend(rdb, cfg.RedisPrefix)
	default:
		return kv.NewMemoryBackend(), nil
	}
}

func (rt *Runtime) newBusTransport(ctx context.Context, pool *pgxpool.Pool, rdb *redis.Client) (bus.Transport, error) {
	cfg := rt.cfg
	switch cfg.BusDriver {
	case BusRedis:
		return bus.NewRedisTransport(rt.log, rdb, cfg.busChannel())
	case BusPostgres:
		return bus.NewPostgresTransport(rt.log, pool, cfg.busChannel())
	case BusWS:
		ws, err := bus.DialWS(ctx, rt.log, cfg.RelayURL, cfg.RelayScope, bus.WithWSOrigin(cfg.RelayOrigin))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = ws.Close() })
		return ws, nil
	default:
		return bus.NewLocalHub(), nil
	}
}
