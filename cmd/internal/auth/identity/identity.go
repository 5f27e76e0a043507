// Package identity talks to the remote identity endpoints: login, logout,
// current user and refresh. Credentials travel in cookies managed by the
// HTTP client's jar; this package never sees tokens.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"proserve/cmd/internal/auth/transport"
)

// Shared store keys cached by CurrentUser.
const (
	KeyClient = "client"
	KeyRole   = "role"
	KeyBranch = "branch"
)

// Identity is the signed-in user's server-verified record. Only ID is guaranteed.
type Identity struct {
	ID       int64  `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	RoleID   *int64 `json:"role_id,omitempty"`
	BranchID *int64 `json:"branch_id,omitempty"`
	ClientID *int64 `json:"client_id,omitempty"`
}

// Credentials are posted to the login endpoint.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LogValue keeps the password out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", c.Username), slog.String("password", "[redacted]"))
}

// Endpoints are paths relative to the transport's base URL.
type Endpoints struct {
	Login   string
	Logout  string
	Me      string
	Refresh string
}

// DefaultEndpoints returns the standard paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:   "/auth/login",
		Logout:  "/auth/logout",
		Me:      "/auth/me",
		Refresh: "/auth/refresh",
	}
}

// Doer sends requests. *transport.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Store is where auxiliary ids are cached. *kv.Store satisfies it.
type Store interface {
	Set(key, value string)
	Remove(key string)
}

// Service implements the identity operations. It also satisfies transport.Refresher.
type Service struct {
	log   *slog.Logger
	http  Doer
	store Store
	ep    Endpoints
}

// Option configures a Service.
type Option func(*Service)

// WithEndpoints overrides DefaultEndpoints. Empty fields keep their default.
func WithEndpoints(ep Endpoints) Option {
	return func(s *Service) {
		if ep.Login != "" {
			s.ep.Login = ep.Login
		}
		if ep.Logout != "" {
			s.ep.Logout = ep.Logout
		}
		if ep.Me != "" {
			s.ep.Me = ep.Me
		}
		if ep.Refresh != "" {
			s.ep.Refresh = ep.Refresh
		}
	}
}

// NewService constructs a Service. store may be nil when nothing reads the cached ids.
func NewService(log *slog.Logger, doer Doer, store Store, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{log: log, http: doer, store: store, ep: DefaultEndpoints()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Login posts creds. It does not load the identity; call CurrentUser for that.
func (s *Service) Login(ctx context.Context, creds Credentials) error {
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || creds.Password == "" {
		return ErrMissingCredentials
	}

	req, err := transport.NewRequest(http.MethodPost, s.ep.Login, creds)
	if err != nil {
		return err
	}
	if _, err := s.http.Do(ctx, req.AsLoginFlow()); err != nil {
		var te *transport.Error
		if errors.As(err, &te) && te.Status != 0 {
			msg := te.Message
			if msg == "" {
				msg = DefaultAuthMessage
			}
			s.log.Info("identity.login.rejected", "status", te.Status, "username", creds.Username)
			return &AuthError{Status: te.Status, Message: msg}
		}
		s.log.Warn("identity.login.fail", "err", err)
		return err
	}

	s.log.Info("identity.login.ok", "username", creds.Username)
	return nil
}

// Logout asks the server to end the session. Callers clear local state regardless of the result.
func (s *Service) Logout(ctx context.Context) error {
	req, err := transport.NewRequest(http.MethodPost, s.ep.Logout, nil)
	if err != nil {
		return err
	}
	if _, err := s.http.Do(ctx, req.AsLoginFlow()); err != nil {
		s.log.Warn("identity.logout.fail", "err", err)
		return err
	}
	return nil
}

// CurrentUser loads the signed-in identity and caches its role, branch and client ids.
func (s *Service) CurrentUser(ctx context.Context) (Identity, error) {
	req, err := transport.NewRequest(http.MethodGet, s.ep.Me, nil)
	if err != nil {
		return Identity{}, &FetchError{Err: err}
	}

	resp, err := s.http.Do(ctx, req)
	if err != nil {
		s.log.Info("identity.me.fail", "err", err)
		return Identity{}, &FetchError{Err: err}
	}

	id, err := decodeIdentity(resp)
	if err != nil {
		s.log.Warn("identity.me.decode.fail", "err", err)
		return Identity{}, &FetchError{Err: err}
	}

	s.cache(KeyRole, id.RoleID)
	s.cache(KeyBranch, id.BranchID)
	s.cache(KeyClient, id.ClientID)
	return id, nil
}

// Refresh renews the session cookie. Any failure is a *transport.SessionExpiredError.
func (s *Service) Refresh(ctx context.Context) error {
	req, err := transport.NewRequest(http.MethodPost, s.ep.Refresh, nil)
	if err != nil {
		return &transport.SessionExpiredError{Err: err}
	}
	if _, err := s.http.Do(ctx, req.AsLoginFlow()); err != nil {
		return &transport.SessionExpiredError{Err: err}
	}
	s.log.Debug("identity.refresh.ok")
	return nil
}

// ForgetCached removes the cached role, branch and client ids.
func (s *Service) ForgetCached() {
	if s.store == nil {
		return
	}
	for _, k := range []string{KeyClient, KeyRole, KeyBranch} {
		s.store.Remove(k)
	}
}

func (s *Service) cache(key string, v *int64) {
	if s.store == nil {
		return
	}
	if v == nil {
		s.store.Remove(key)
		return
	}
	s.store.Set(key, strconv.FormatInt(*v, 10))
}

// decodeIdentity accepts the identity at the top level or under "user".
func decodeIdentity(resp *transport.Response) (Identity, error) {
	var top struct {
		Identity
		User *Identity `json:"user"`
	}
	if err := resp.DecodeJSON(&top); err != nil {
		return Identity{}, err
	}

	id := top.Identity
	if id.ID == 0 && top.User != nil {
		id = *top.User
	}
	if id.ID == 0 {
		return Identity{}, ErrMissingID
	}
	return id, nil
}
