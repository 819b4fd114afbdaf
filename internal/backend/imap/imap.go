// Package imap implements a pass-through authenticator that checks
// credentials with LOGIN against a remote IMAP server. It stores no
// account data, so every lookup is unsupported.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/logging"
	"github.com/openfinch/mail-server/internal/pool"
)

const kind = "imap"

// Session is the subset of *client.Client the backend uses.
type Session interface {
	Login(username, password string) error
	Noop() error
	State() goimap.ConnState
	Logout() error
}

var _ Session = (*client.Client)(nil)

// Dialer opens an unauthenticated session.
type Dialer func(ctx context.Context) (Session, error)

// Config configures the IMAP backend.
type Config struct {
	Address            string        `yaml:"address"` // host:port
	TLS                bool          `yaml:"tls"`     // implicit TLS (imaps)
	StartTLS           bool          `yaml:"start-tls"`
	InsecureSkipVerify bool          `yaml:"insecure-skip-verify"`
	Timeout            time.Duration `yaml:"timeout"`
	Pool               pool.Config   `yaml:"-"`

	Dialer Dialer `yaml:"-"`
}

// Backend authenticates against a remote IMAP server.
type Backend struct {
	address string
	pool    *pool.Pool[Session]
}

var (
	_ directory.Backend       = (*Backend)(nil)
	_ directory.Authenticator = (*Backend)(nil)
	_ directory.PoolStatser   = (*Backend)(nil)
)

type sessionManager struct {
	dial Dialer
}

func (m *sessionManager) Connect(ctx context.Context) (Session, error) {
	return m.dial(ctx)
}

// Validate accepts sessions that are still waiting for LOGIN and answer NOOP.
func (m *sessionManager) Validate(_ context.Context, s Session) error {
	if state := s.State(); state != goimap.NotAuthenticatedState {
		return fmt.Errorf("session in state %v", state)
	}
	return s.Noop()
}

func (m *sessionManager) Close(s Session) error {
	if s.State() == goimap.LogoutState {
		return nil
	}
	return s.Logout()
}

// New creates the backend. Sessions are opened lazily by the pool.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Address == "" {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "imap address is required", nil)
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "invalid imap address", err)
	}

	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool = pool.DefaultConfig()
	}
	if cfg.Pool.Name == "" {
		cfg.Pool.Name = kind
	}

	dial := cfg.Dialer
	if dial == nil {
		dial = NetDialer(cfg)
	}

	p, err := pool.New[Session](ctx, cfg.Pool, &sessionManager{dial: dial})
	if err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "invalid pool configuration", err)
	}

	return &Backend{address: cfg.Address, pool: p}, nil
}

// NetDialer dials cfg.Address with go-imap, upgrading with STARTTLS when
// configured.
func NetDialer(cfg Config) Dialer {
	return func(ctx context.Context) (Session, error) {
		host, _, _ := net.SplitHostPort(cfg.Address)
		tlsConfig := &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}

		d := &net.Dialer{}
		if deadline, ok := ctx.Deadline(); ok {
			d.Deadline = deadline
		}

		var (
			c   *client.Client
			err error
		)
		if cfg.TLS {
			c, err = client.DialWithDialerTLS(d, cfg.Address, tlsConfig)
		} else {
			c, err = client.DialWithDialer(d, cfg.Address)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address, err)
		}
		if cfg.Timeout > 0 {
			c.Timeout = cfg.Timeout
		}

		if !cfg.TLS && cfg.StartTLS {
			if err := c.StartTLS(tlsConfig); err != nil {
				_ = c.Logout()
				return nil, fmt.Errorf("STARTTLS with %s failed: %w", cfg.Address, err)
			}
		}

		logging.LogConnectionEvent(ctx, "connection_established", map[string]any{
			"backend": kind,
			"address": cfg.Address,
		})
		return c, nil
	}
}

func (b *Backend) Kind() string {
	return kind
}

func (b *Backend) PoolStats() pool.Stats {
	return b.pool.Stats()
}

// Authenticate issues LOGIN on a pooled session. An authenticated session
// cannot return to the pool and is retired; a rejected one is reused.
func (b *Backend) Authenticate(ctx context.Context, name, secret string) (*directory.Principal, error) {
	if name == "" || secret == "" {
		return nil, directory.AuthFailed("authenticate", name)
	}

	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, directory.WrapError("authenticate", err)
	}
	defer conn.Release()

	s := conn.Value()
	err = s.Login(name, secret)
	switch {
	case err == nil:
		conn.MarkBroken()
		return &directory.Principal{ID: name, Name: name, Type: directory.TypeIndividual}, nil
	case errors.Is(err, client.ErrLoginDisabled):
		return nil, directory.NewError("authenticate", directory.ErrorCategoryConfiguration, "server refuses LOGIN without TLS", err)
	case isBroken(err) || s.State() == goimap.LogoutState:
		conn.MarkBroken()
		return nil, directory.Unavailable("authenticate", err)
	default:
		logRejected(ctx, name, err)
		return nil, directory.AuthFailed("authenticate", name)
	}
}

func (b *Backend) Principal(context.Context, string) (*directory.Principal, error) {
	return nil, directory.Unsupported("principal", kind)
}

func (b *Backend) MemberOf(context.Context, string) ([]string, error) {
	return nil, directory.Unsupported("member_of", kind)
}

func (b *Backend) Recipient(context.Context, string) (bool, error) {
	return false, directory.Unsupported("recipient", kind)
}

func (b *Backend) Emails(context.Context, string) ([]directory.Email, error) {
	return nil, directory.Unsupported("emails", kind)
}

func (b *Backend) Verify(context.Context, string, int) ([]string, error) {
	return nil, directory.Unsupported("verify", kind)
}

func (b *Backend) Expand(context.Context, string, int) ([]string, error) {
	return nil, directory.Unsupported("expand", kind)
}

func (b *Backend) IsLocalDomain(context.Context, string) (bool, error) {
	return false, directory.Unsupported("is_local_domain", kind)
}

// Close logs out every idle session.
func (b *Backend) Close() error {
	return b.pool.Close()
}

func logRejected(ctx context.Context, name string, err error) {
	logging.NewTFLogger(ctx, logging.SubsystemBackend).Debug("IMAP login rejected", map[string]any{
		"backend": kind,
		"name":    name,
		"error":   err.Error(),
	})
}

// isBroken reports transport failures. Protocol rejections leave the
// session usable.
func isBroken(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed)
}
