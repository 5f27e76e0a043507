package session

import (
	"context"
	"log/slog"
	"sync"

	"proserve/cmd/internal/auth/identity"
	"proserve/cmd/internal/metrics"
)

// State is a snapshot of the authentication state.
type State struct {
	// Identity is non-nil only while authenticated.
	Identity *identity.Identity
	// Loading is true until the initial identity check resolves.
	Loading bool
}

// Authenticated reports whether an identity is present.
func (s State) Authenticated() bool { return s.Identity != nil }

// Identities is the remote surface the provider needs. *identity.Service satisfies it.
type Identities interface {
	Login(ctx context.Context, creds identity.Credentials) error
	Logout(ctx context.Context) error
	CurrentUser(ctx context.Context) (identity.Identity, error)
	ForgetCached()
}

// ExpirySource announces session expiry. *expiry.Broadcaster satisfies it.
type ExpirySource interface {
	Subscribe(fn func(message string)) (unsubscribe func())
}

// Options configures a Provider.
type Options struct {
	// OnLoginView skips the initial identity check; the user is about to sign in.
	OnLoginView bool
}

// Provider is safe for concurrent use. Listeners run outside internal locks.
type Provider struct {
	log *slog.Logger
	svc Identities

	mu        sync.Mutex
	state     State
	closed    bool
	next      uint64
	listeners map[uint64]func(State)
	offExpiry func()
}

// NewProvider constructs a Provider. exp may be nil.
func NewProvider(log *slog.Logger, svc Identities, exp ExpirySource, opts Options) *Provider {
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{
		log:       log,
		svc:       svc,
		state:     State{Loading: !opts.OnLoginView},
		listeners: make(map[uint64]func(State)),
	}
	if exp != nil {
		p.offExpiry = exp.Subscribe(p.onExpired)
	}
	return p
}

// State returns the current snapshot.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Init runs the initial identity check unless constructed for the login view.
// It always leaves Loading false.
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	loading := p.state.Loading
	p.mu.Unlock()

	if !loading {
		p.log.Debug("session.init.skip")
		return nil
	}
	return p.RefreshUser(ctx)
}

// Login signs in and then loads the identity.
func (p *Provider) Login(ctx context.Context, creds identity.Credentials) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.svc.Login(ctx, creds); err != nil {
		return err
	}
	return p.RefreshUser(ctx)
}

// Logout clears the local identity whatever the remote outcome. The remote
// error, if any, is returned for reporting only.
func (p *Provider) Logout(ctx context.Context) error {
	err := p.svc.Logout(ctx)
	if err != nil {
		p.log.Warn("session.logout.remote_fail", "err", err)
	}
	p.svc.ForgetCached()
	p.set(State{})
	p.log.Info("session.logout")
	return err
}

// RefreshUser re-fetches the identity. On failure the identity is cleared.
func (p *Provider) RefreshUser(ctx context.Context) error {
	if p.isClosed() {
		return ErrClosed
	}

	id, err := p.svc.CurrentUser(ctx)
	if err != nil {
		p.set(State{})
		return err
	}
	p.set(State{Identity: &id})
	return nil
}

// OnChange registers fn for every state change.
func (p *Provider) OnChange(fn func(State)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	p.mu.Lock()
	id := p.next
	p.next++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Close detaches from the expiry source and drops listeners. In-flight calls are not aborted.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	off := p.offExpiry
	p.offExpiry = nil
	p.listeners = make(map[uint64]func(State))
	p.mu.Unlock()

	if off != nil {
		off()
	}
}

func (p *Provider) onExpired(message string) {
	p.log.Info("session.expired", "message", message)
	p.svc.ForgetCached()
	p.set(State{})
}

func (p *Provider) set(s State) {
	p.mu.Lock()
	if p.closed {
		p.state = s
		p.mu.Unlock()
		return
	}
	p.state = s
	fns := make([]func(State), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		p.notify(fn, s)
	}
}

func (p *Provider) notify(fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordListenerPanic("session")
			p.log.Error("session.listener.panic", "panic", r)
		}
	}()
	fn(s)
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
