package kv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"proserve/cmd/internal/metrics"
)

const defaultOpTimeout = 2 * time.Second

// Backend is the raw storage medium behind a Store.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Notifier receives every write accepted by the backend.
type Notifier interface {
	Announce(ctx context.Context, key, value string, removed bool)
}

// Store is the best-effort wrapper every caller uses.
// Safe for concurrent use if the backend is.
type Store struct {
	log      *slog.Logger
	backend  Backend
	notifier Notifier
	timeout  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier attaches the cross-participant notifier (usually a *bus.Bus).
func WithNotifier(n Notifier) Option {
	return func(s *Store) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithTimeout bounds every backend call.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New wraps a backend. A nil backend falls back to an in-memory one.
func New(log *slog.Logger, backend Backend, opts ...Option) *Store {
	if log == nil {
		log = slog.Default()
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}

	s := &Store{log: log, backend: backend, timeout: defaultOpTimeout}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Get returns the value for key. Any failure reads as "absent".
func (s *Store) Get(key string) (string, bool) {
	if strings.TrimSpace(key) == "" {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var (
		v  string
		ok bool
	)
	err := s.guard(func() error {
		var err error
		v, ok, err = s.backend.Get(ctx, key)
		return err
	})
	if err != nil {
		s.fail("get", key, err)
		return "", false
	}
	return v, ok
}

// Set writes value under key. Failures are logged and dropped.
func (s *Store) Set(key, value string) {
	if strings.TrimSpace(key) == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.guard(func() error { return s.backend.Set(ctx, key, value) }); err != nil {
		s.fail("set", key, err)
		return
	}
	s.announce(ctx, key, value, false)
}

// Remove deletes key. Failures are logged and dropped.
func (s *Store) Remove(key string) {
	if strings.TrimSpace(key) == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.guard(func() error { return s.backend.Delete(ctx, key) }); err != nil {
		s.fail("remove", key, err)
		return
	}
	s.announce(ctx, key, "", true)
}

func (s *Store) announce(ctx context.Context, key, value string, removed bool) {
	if s.notifier == nil {
		return
	}
	_ = s.guard(func() error {
		s.notifier.Announce(ctx, key, value, removed)
		return nil
	})
}

// guard turns a backend panic into an error so nothing escapes the wrapper.
func (s *Store) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (s *Store) fail(op, key string, err error) {
	metrics.RecordStoreError(op)
	s.log.Warn("kv."+op+".fail", "err", &StorageError{Op: op, Key: key, Err: err})
}
