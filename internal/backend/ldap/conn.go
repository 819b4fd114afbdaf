package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/logging"
)

// Conn is the subset of *ldap.Conn the backend uses.
type Conn interface {
	Bind(username, password string) error
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	IsClosing() bool
	Close() error
}

var _ Conn = (*ldap.Conn)(nil)

// Dialer opens a connection to one server.
type Dialer func(ctx context.Context, server Server) (Conn, error)

// TLSConfig controls transport security.
type TLSConfig struct {
	StartTLS           bool   `yaml:"start-tls"`
	InsecureSkipVerify bool   `yaml:"insecure-skip-verify"`
	ServerName         string `yaml:"server-name"`
}

func (t TLSConfig) config(host string) *tls.Config {
	name := t.ServerName
	if name == "" {
		name = host
	}
	return &tls.Config{
		ServerName:         name,
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// NetDialer dials real servers with go-ldap. The dial honours the deadline
// of ctx; timeout bounds every later request on the connection.
func NetDialer(tlsCfg TLSConfig, timeout time.Duration) Dialer {
	return func(ctx context.Context, server Server) (Conn, error) {
		d := &net.Dialer{}
		if deadline, ok := ctx.Deadline(); ok {
			d.Deadline = deadline
		}

		opts := []ldap.DialOpt{ldap.DialWithDialer(d)}
		if server.TLS {
			opts = append(opts, ldap.DialWithTLSConfig(tlsCfg.config(server.Host)))
		}

		conn, err := ldap.DialURL(server.URL(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", server.URL(), err)
		}

		if !server.TLS && tlsCfg.StartTLS {
			if err := conn.StartTLS(tlsCfg.config(server.Host)); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("StartTLS with %s failed: %w", server.URL(), err)
			}
		}

		if timeout > 0 {
			conn.SetTimeout(timeout)
		}
		return conn, nil
	}
}

// connManager dials, service-binds and health-checks pooled connections.
type connManager struct {
	servers  []Server
	dial     Dialer
	bind     BindConfig
	kerberos *KerberosConfig
	name     string
}

// Connect tries each server in order and returns the first connection
// that dials and binds.
func (m *connManager) Connect(ctx context.Context) (Conn, error) {
	var errs []error
	for _, server := range m.servers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		conn, err := m.dial(ctx, server)
		if err != nil {
			logging.LogConnectionEvent(ctx, "connection_failed", map[string]any{
				"pool":   m.name,
				"server": server.URL(),
				"error":  err.Error(),
			})
			errs = append(errs, err)
			continue
		}

		if err := m.serviceBind(conn, server); err != nil {
			_ = conn.Close()
			logging.LogConnectionEvent(ctx, "authentication_failed", map[string]any{
				"pool":   m.name,
				"server": server.URL(),
				"error":  err.Error(),
			})
			errs = append(errs, err)
			continue
		}

		logging.LogConnectionEvent(ctx, "connection_established", map[string]any{
			"pool":   m.name,
			"server": server.URL(),
			"source": server.Source,
		})
		return conn, nil
	}

	err := errors.Join(errs...)
	if hasCode(err, ldap.LDAPResultInvalidCredentials) {
		return nil, directory.NewError("", directory.ErrorCategoryConfiguration, "service bind rejected", err)
	}
	return nil, directory.Unavailable("", fmt.Errorf("no LDAP server reachable: %w", err))
}

// serviceBind authenticates conn as the lookup identity. Without a bind DN
// or Kerberos the connection stays anonymous.
func (m *connManager) serviceBind(conn Conn, server Server) error {
	switch {
	case m.kerberos != nil:
		return kerberosBind(conn, *m.kerberos, m.bind.Secret, server)
	case m.bind.DN != "":
		return conn.Bind(m.bind.DN, m.bind.Secret)
	default:
		return nil
	}
}

func (m *connManager) Validate(_ context.Context, conn Conn) error {
	if conn.IsClosing() {
		return errors.New("connection is closing")
	}
	return nil
}

func (m *connManager) Close(conn Conn) error {
	return conn.Close()
}
