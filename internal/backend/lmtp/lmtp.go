// Package lmtp implements a directory backend that asks a remote LMTP or
// SMTP server. Credentials are checked with AUTH PLAIN, recipients with
// MAIL/RCPT and partial addresses with VRFY.
package lmtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/logging"
	"github.com/openfinch/mail-server/internal/pool"
)

// Session is the subset of *smtp.Client the backend uses.
type Session interface {
	Hello(localName string) error
	Auth(a sasl.Client) error
	Mail(from string, opts *smtp.MailOptions) error
	Rcpt(to string, opts *smtp.RcptOptions) error
	Verify(addr string) error
	Reset() error
	Noop() error
	Quit() error
	Close() error
}

var _ Session = (*smtp.Client)(nil)

// Dialer opens a session that has completed the greeting.
type Dialer func(ctx context.Context) (Session, error)

// Config configures the LMTP/SMTP backend.
type Config struct {
	Address            string        `yaml:"address"` // host:port
	LMTP               bool          `yaml:"lmtp"`    // LHLO instead of EHLO
	TLS                bool          `yaml:"tls"`     // implicit TLS
	StartTLS           bool          `yaml:"start-tls"`
	InsecureSkipVerify bool          `yaml:"insecure-skip-verify"`
	LocalName          string        `yaml:"local-name"`
	Timeout            time.Duration `yaml:"timeout"`
	Pool               pool.Config   `yaml:"-"`

	Dialer Dialer `yaml:"-"`
}

// Backend looks up accounts through a remote mail server.
type Backend struct {
	kind string
	pool *pool.Pool[Session]
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

func (m *sessionManager) Validate(_ context.Context, s Session) error {
	return s.Noop()
}

func (m *sessionManager) Close(s Session) error {
	if err := s.Quit(); err != nil {
		return s.Close()
	}
	return nil
}

// New creates the backend. Sessions are opened lazily by the pool.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	kind := "smtp"
	if cfg.LMTP {
		kind = "lmtp"
	}

	if cfg.Address == "" {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, kind+" address is required", nil)
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "invalid "+kind+" address", err)
	}
	if cfg.LMTP && cfg.StartTLS && !cfg.TLS {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "STARTTLS is not available for lmtp, use implicit tls", nil)
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}

	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool = pool.DefaultConfig()
	}
	if cfg.Pool.Name == "" {
		cfg.Pool.Name = kind
	}
	cfg.Pool.IsBroken = isBroken

	dial := cfg.Dialer
	if dial == nil {
		dial = NetDialer(cfg)
	}

	p, err := pool.New[Session](ctx, cfg.Pool, &sessionManager{dial: dial})
	if err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "invalid pool configuration", err)
	}

	return &Backend{kind: kind, pool: p}, nil
}

// NetDialer connects with go-smtp and sends LHLO or EHLO.
func NetDialer(cfg Config) Dialer {
	return func(ctx context.Context) (Session, error) {
		host, _, _ := net.SplitHostPort(cfg.Address)
		tlsConfig := &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address, err)
		}
		if cfg.TLS {
			conn = tls.Client(conn, tlsConfig)
		}

		var c *smtp.Client
		switch {
		case !cfg.TLS && cfg.StartTLS:
			if c, err = smtp.NewClientStartTLS(conn, tlsConfig); err != nil {
				return nil, fmt.Errorf("STARTTLS with %s failed: %w", cfg.Address, err)
			}
		case cfg.LMTP:
			c = smtp.NewClientLMTP(conn)
		default:
			c = smtp.NewClient(conn)
		}
		if cfg.Timeout > 0 {
			c.CommandTimeout = cfg.Timeout
		}

		// After STARTTLS this repeats EHLO over the encrypted channel.
		if err := c.Hello(cfg.LocalName); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("greeting from %s failed: %w", cfg.Address, err)
		}

		logging.LogConnectionEvent(ctx, "connection_established", map[string]any{
			"backend": cfg.Pool.Name,
			"address": cfg.Address,
		})
		return c, nil
	}
}

func (b *Backend) Kind() string {
	return b.kind
}

func (b *Backend) PoolStats() pool.Stats {
	return b.pool.Stats()
}

// Authenticate runs AUTH PLAIN. A session that authenticated is retired.
func (b *Backend) Authenticate(ctx context.Context, name, secret string) (*directory.Principal, error) {
	if name == "" || secret == "" {
		return nil, directory.AuthFailed("authenticate", name)
	}

	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, directory.WrapError("authenticate", err)
	}
	defer conn.Release()

	err = conn.Value().Auth(sasl.NewPlainClient("", name, secret))
	if err == nil {
		conn.MarkBroken()
		return &directory.Principal{ID: name, Name: name, Type: directory.TypeIndividual}, nil
	}

	code, ok := replyCode(err)
	switch {
	case !ok:
		conn.MarkBroken()
		return nil, directory.Unavailable("authenticate", err)
	case code == 535 || code == 534:
		return nil, directory.AuthFailed("authenticate", name)
	case code == 502 || code == 504:
		return nil, directory.NewError("authenticate", directory.ErrorCategoryConfiguration, "server does not offer AUTH PLAIN", err)
	default:
		return nil, b.replyError("authenticate", code, err)
	}
}

// Recipient reports whether the server accepts RCPT TO for address. The
// transaction is always reset.
func (b *Backend) Recipient(ctx context.Context, address string) (bool, error) {
	var accepted bool
	err := b.pool.With(ctx, func(s Session) error {
		if err := s.Mail("", nil); err != nil {
			return err
		}

		rcptErr := s.Rcpt(address, nil)
		if err := s.Reset(); err != nil {
			return err
		}
		if rcptErr != nil {
			return rcptErr
		}
		accepted = true
		return nil
	})
	if err == nil {
		return accepted, nil
	}

	code, ok := replyCode(err)
	switch {
	case ok && isUnknownMailbox(code):
		return false, nil
	case ok:
		return false, b.replyError("recipient", code, err)
	default:
		return false, directory.WrapError("recipient", classify(err))
	}
}

// Verify issues VRFY. The server does not return candidate lists, so a
// positive reply yields the queried address itself.
func (b *Backend) Verify(ctx context.Context, partial string, _ int) ([]string, error) {
	err := b.pool.With(ctx, func(s Session) error {
		return s.Verify(partial)
	})
	if err == nil {
		return []string{partial}, nil
	}

	code, ok := replyCode(err)
	switch {
	case ok && isUnknownMailbox(code):
		return []string{}, nil
	case ok && (code == 252 || code == 502 || code == 500):
		return nil, directory.Unsupported("verify", b.kind)
	case ok:
		return nil, b.replyError("verify", code, err)
	default:
		return nil, directory.WrapError("verify", classify(err))
	}
}

func (b *Backend) Principal(context.Context, string) (*directory.Principal, error) {
	return nil, directory.Unsupported("principal", b.kind)
}

func (b *Backend) MemberOf(context.Context, string) ([]string, error) {
	return nil, directory.Unsupported("member_of", b.kind)
}

func (b *Backend) Emails(context.Context, string) ([]directory.Email, error) {
	return nil, directory.Unsupported("emails", b.kind)
}

func (b *Backend) Expand(context.Context, string, int) ([]string, error) {
	return nil, directory.Unsupported("expand", b.kind)
}

func (b *Backend) IsLocalDomain(context.Context, string) (bool, error) {
	return false, directory.Unsupported("is_local_domain", b.kind)
}

// Close quits every idle session.
func (b *Backend) Close() error {
	return b.pool.Close()
}

// replyError maps a negative reply. Transient 4xx replies are retryable.
func (b *Backend) replyError(operation string, code int, err error) error {
	if code >= 400 && code < 500 {
		return directory.Unavailable(operation, err)
	}
	e := directory.NewError(operation, directory.ErrorCategoryUnknown, fmt.Sprintf("server replied %d", code), err)
	e.Directory = b.kind
	return e
}

func replyCode(err error) (int, bool) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code, true
	}
	return 0, false
}

func isUnknownMailbox(code int) bool {
	return code == 550 || code == 551 || code == 553
}

// isBroken reports errors that are not protocol replies, which leave the
// session in an unknown state.
func isBroken(err error) bool {
	_, ok := replyCode(err)
	return !ok
}

func classify(err error) error {
	if errors.Is(err, pool.ErrExhausted) || errors.Is(err, pool.ErrConnectTimeout) || errors.Is(err, pool.ErrClosed) {
		return err
	}
	return directory.Unavailable("", err)
}
