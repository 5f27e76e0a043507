package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"proserve/cmd/internal/relay"
)

const shutdownTimeout = 10 * time.Second

// RelayServer is the `proserve relay` runtime: probes, metrics and the bus gateway.
//
// Ownership model:
//   - RelayServer does NOT own dbPool; it is only pinged by /readyz.
type RelayServer struct {
	cfg    RelayServerConfig
	log    Logger
	dbPool *pgxpool.Pool
	gw     *relay.Gateway
}

// NewRelayServer wires the gateway and its hub. dbPool may be nil.
func NewRelayServer(cfg RelayServerConfig, log Logger, dbPool *pgxpool.Pool) *RelayServer {
	return &RelayServer{
		cfg:    cfg,
		log:    log,
		dbPool: dbPool,
		gw:     relay.NewGateway(log, relay.NewHub(log), cfg.Gateway),
	}
}

// Gateway returns the websocket gateway.
func (s *RelayServer) Gateway() *relay.Gateway { return s.gw }

// Handler returns the full middleware-wrapped route table.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, s.log, s.cfg, s.dbPool, s.gw)
	return WithRequestLogging(WithSecurityHeaders(mux), s.log)
}

// Run listens on cfg.Addr and blocks until ctx is done or the server fails.
func (s *RelayServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *RelayServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: nonZeroDuration(s.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(s.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(s.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.log.Info("relay.start", "addr", ln.Addr().String(), "db_enabled", s.dbPool != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("relay.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("relay.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	s.log.Info("relay.stopped")
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
