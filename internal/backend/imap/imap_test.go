package imap

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/pool"
	"github.com/openfinch/mail-server/internal/rewrite"
)

type fakeServer struct {
	mu       sync.Mutex
	users    map[string]string
	logins   int
	dials    int
	dialErr  error
	dropNext bool
	disabled bool
}

func (s *fakeServer) dial(context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	return &fakeSession{server: s, state: goimap.NotAuthenticatedState}, nil
}

type fakeSession struct {
	server *fakeServer
	state  goimap.ConnState
}

func (f *fakeSession) Login(username, password string) error {
	s := f.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++

	switch {
	case s.disabled:
		return client.ErrLoginDisabled
	case s.dropNext:
		s.dropNext = false
		f.state = goimap.LogoutState
		return io.ErrUnexpectedEOF
	case s.users[username] == password:
		f.state = goimap.AuthenticatedState
		return nil
	default:
		return errors.New("Authentication failed")
	}
}

func (f *fakeSession) Noop() error {
	if f.state == goimap.LogoutState {
		return net.ErrClosed
	}
	return nil
}

func (f *fakeSession) State() goimap.ConnState {
	return f.state
}

func (f *fakeSession) Logout() error {
	f.state = goimap.LogoutState
	return nil
}

func newTestBackend(t *testing.T, s *fakeServer) *Backend {
	t.Helper()
	b, err := New(t.Context(), Config{
		Address: "imap.example.org:993",
		TLS:     true,
		Pool: pool.Config{
			MaxConnections:    2,
			ConnectTimeout:    time.Second,
			AcquireTimeout:    time.Second,
			ValidateOnAcquire: true,
		},
		Dialer: s.dial,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestAuthenticate(t *testing.T) {
	s := &fakeServer{users: map[string]string{"jane": "janepass"}}
	b := newTestBackend(t, s)

	_, err := b.Authenticate(t.Context(), "jane", "wrong")
	assert.ErrorIs(t, err, directory.ErrAuthFailed)

	_, err = b.Authenticate(t.Context(), "jane", "wrong")
	assert.ErrorIs(t, err, directory.ErrAuthFailed)
	assert.Equal(t, int64(1), b.PoolStats().Created, "rejected sessions are reused")

	p, err := b.Authenticate(t.Context(), "jane", "janepass")
	require.NoError(t, err)
	assert.Equal(t, "jane", p.Name)
	assert.Equal(t, directory.TypeIndividual, p.Type)

	stats := b.PoolStats()
	assert.Equal(t, int64(1), stats.Discarded, "logged in sessions are retired")
	assert.Equal(t, 0, stats.Idle)

	_, err = b.Authenticate(t.Context(), "jane", "")
	assert.ErrorIs(t, err, directory.ErrAuthFailed)
	assert.Equal(t, 3, s.logins)
}

func TestAuthenticateFailures(t *testing.T) {
	t.Run("connection dropped", func(t *testing.T) {
		s := &fakeServer{users: map[string]string{"jane": "janepass"}, dropNext: true}
		b := newTestBackend(t, s)

		_, err := b.Authenticate(t.Context(), "jane", "janepass")
		assert.ErrorIs(t, err, directory.ErrBackendUnavailable)
		assert.Equal(t, int64(1), b.PoolStats().Discarded)

		_, err = b.Authenticate(t.Context(), "jane", "janepass")
		require.NoError(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		s := &fakeServer{dialErr: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
		b := newTestBackend(t, s)

		_, err := b.Authenticate(t.Context(), "jane", "janepass")
		assert.ErrorIs(t, err, directory.ErrBackendUnavailable)
	})

	t.Run("login disabled", func(t *testing.T) {
		s := &fakeServer{disabled: true}
		b := newTestBackend(t, s)

		_, err := b.Authenticate(t.Context(), "jane", "janepass")
		assert.Equal(t, directory.ErrorCategoryConfiguration, directory.GetErrorCategory(err))
	})
}

func TestLookupsUnsupported(t *testing.T) {
	b := newTestBackend(t, &fakeServer{})
	ctx := t.Context()

	_, err := b.Principal(ctx, "jane")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.MemberOf(ctx, "jane")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.Recipient(ctx, "jane@example.org")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.Emails(ctx, "jane")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.Verify(ctx, "jane", 5)
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.Expand(ctx, "all@example.org", 50)
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.IsLocalDomain(ctx, "example.org")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	assert.Equal(t, "imap", b.Kind())
}

func TestNewValidation(t *testing.T) {
	for _, addr := range []string{"", "imap.example.org"} {
		_, err := New(t.Context(), Config{Address: addr})
		assert.Equal(t, directory.ErrorCategoryConfiguration, directory.GetErrorCategory(err), addr)
	}
}

func TestServiceDelegates(t *testing.T) {
	s := &fakeServer{users: map[string]string{"jane": "janepass"}}
	svc, err := directory.NewService(t.Context(), newTestBackend(t, s), directory.Options{
		Name:    "remote",
		Rewrite: rewrite.Options{},
	})
	require.NoError(t, err)

	p, err := svc.Authenticate(t.Context(), " jane ", "janepass")
	require.NoError(t, err)
	assert.Equal(t, "jane", p.Name)

	_, err = svc.Authenticate(t.Context(), "jane", "nope")
	assert.ErrorIs(t, err, directory.ErrAuthFailed)
}
