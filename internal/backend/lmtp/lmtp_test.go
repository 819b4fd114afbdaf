package lmtp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/pool"
)

// fakeServer scripts replies for the commands the backend sends.
type fakeServer struct {
	mu         sync.Mutex
	users      map[string]string
	mailboxes  map[string]bool
	commands   []string
	noVerify   bool
	greylist   bool
	dropOnRcpt bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		users:     map[string]string{"jane": "janepass"},
		mailboxes: map[string]bool{"jane@example.org": true, "info@example.org": true},
	}
}

func (s *fakeServer) dial(context.Context) (Session, error) {
	return &fakeSession{server: s}, nil
}

func (s *fakeServer) record(cmd string) {
	s.commands = append(s.commands, cmd)
}

func (s *fakeServer) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

type fakeSession struct {
	server *fakeServer
	inMail bool
}

func reply(code int, msg string) error {
	return &smtp.SMTPError{Code: code, Message: msg}
}

func (f *fakeSession) Hello(string) error { return nil }

func (f *fakeSession) Auth(a sasl.Client) error {
	s := f.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AUTH")

	mech, ir, err := a.Start()
	if err != nil {
		return err
	}
	if mech != sasl.Plain {
		return reply(504, "mechanism not supported")
	}

	// identity NUL username NUL password
	parts := splitNUL(ir)
	if len(parts) == 3 && parts[2] != "" && s.users[parts[1]] == parts[2] {
		return nil
	}
	return reply(535, "authentication credentials invalid")
}

func splitNUL(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	return append(out, string(b[start:]))
}

func (f *fakeSession) Mail(from string, _ *smtp.MailOptions) error {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	f.server.record("MAIL " + from)
	f.inMail = true
	return nil
}

func (f *fakeSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s := f.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("RCPT " + to)

	switch {
	case !f.inMail:
		return reply(503, "bad sequence")
	case s.dropOnRcpt:
		return io.ErrUnexpectedEOF
	case s.greylist:
		return reply(451, "try again later")
	case s.mailboxes[to]:
		return nil
	default:
		return reply(550, "mailbox unavailable")
	}
}

func (f *fakeSession) Verify(addr string) error {
	s := f.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("VRFY " + addr)

	switch {
	case s.noVerify:
		return reply(252, "cannot verify")
	case s.mailboxes[addr]:
		return nil
	default:
		return reply(550, "no such user")
	}
}

func (f *fakeSession) Reset() error {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	f.server.record("RSET")
	f.inMail = false
	return nil
}

func (f *fakeSession) Noop() error { return nil }
func (f *fakeSession) Quit() error { return nil }
func (f *fakeSession) Close() error { return nil }

func newTestBackend(t *testing.T, s *fakeServer) *Backend {
	t.Helper()
	b, err := New(t.Context(), Config{
		Address: "mx.example.org:24",
		LMTP:    true,
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
	s := newFakeServer()
	b := newTestBackend(t, s)

	_, err := b.Authenticate(t.Context(), "jane", "wrong")
	assert.ErrorIs(t, err, directory.ErrAuthFailed)

	p, err := b.Authenticate(t.Context(), "jane", "janepass")
	require.NoError(t, err)
	assert.Equal(t, "jane", p.Name)

	stats := b.PoolStats()
	assert.Equal(t, int64(1), stats.Created, "rejected AUTH leaves the session reusable")
	assert.Equal(t, int64(1), stats.Discarded, "authenticated sessions are retired")

	_, err = b.Authenticate(t.Context(), "", "janepass")
	assert.ErrorIs(t, err, directory.ErrAuthFailed)
	assert.Equal(t, "lmtp", b.Kind())
}

func TestRecipient(t *testing.T) {
	s := newFakeServer()
	b := newTestBackend(t, s)

	ok, err := b.Recipient(t.Context(), "jane@example.org")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Recipient(t.Context(), "nobody@example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{
		"MAIL ", "RCPT jane@example.org", "RSET",
		"MAIL ", "RCPT nobody@example.org", "RSET",
	}, s.history())
	assert.Equal(t, int64(1), b.PoolStats().Created)
}

func TestRecipientFailures(t *testing.T) {
	t.Run("transient reply", func(t *testing.T) {
		s := newFakeServer()
		s.greylist = true
		b := newTestBackend(t, s)

		_, err := b.Recipient(t.Context(), "jane@example.org")
		assert.ErrorIs(t, err, directory.ErrBackendUnavailable)
		assert.Zero(t, b.PoolStats().Discarded, "protocol replies keep the session")
	})

	t.Run("dropped connection", func(t *testing.T) {
		s := newFakeServer()
		s.dropOnRcpt = true
		b := newTestBackend(t, s)

		_, err := b.Recipient(t.Context(), "jane@example.org")
		assert.ErrorIs(t, err, directory.ErrBackendUnavailable)
		assert.Equal(t, int64(1), b.PoolStats().Discarded)
	})
}

func TestVerify(t *testing.T) {
	s := newFakeServer()
	b := newTestBackend(t, s)

	got, err := b.Verify(t.Context(), "info@example.org", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"info@example.org"}, got)

	got, err = b.Verify(t.Context(), "nobody", 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	s.noVerify = true
	_, err = b.Verify(t.Context(), "info@example.org", 5)
	assert.ErrorIs(t, err, directory.ErrUnsupported)
}

func TestLookupsUnsupported(t *testing.T) {
	b := newTestBackend(t, newFakeServer())
	ctx := t.Context()

	_, err := b.Principal(ctx, "jane")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.MemberOf(ctx, "jane")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.Emails(ctx, "jane")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.Expand(ctx, "info@example.org", 50)
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.IsLocalDomain(ctx, "example.org")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
}

func TestNewValidation(t *testing.T) {
	_, err := New(t.Context(), Config{})
	assert.Equal(t, directory.ErrorCategoryConfiguration, directory.GetErrorCategory(err))

	b, err := New(t.Context(), Config{Address: "mx.example.org:25", Dialer: newFakeServer().dial})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "smtp", b.Kind())
}

// scriptedListener greets once, answers the first hello without offering
// STARTTLS and records the commands it receives.
func scriptedListener(t *testing.T) (string, <-chan []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	seen := make(chan []string, 1)
	go func() {
		var commands []string
		defer func() { seen <- commands }()

		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		_, _ = io.WriteString(conn, "220 mx.example.org ESMTP\r\n")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.Fields(line + " x")[0])
			commands = append(commands, cmd)
			switch cmd {
			case "EHLO", "LHLO":
				_, _ = io.WriteString(conn, "250-mx.example.org\r\n250 PIPELINING\r\n")
			case "QUIT":
				_, _ = io.WriteString(conn, "221 bye\r\n")
				return
			default:
				_, _ = io.WriteString(conn, "502 not implemented\r\n")
			}
		}
	}()
	return ln.Addr().String(), seen
}

func TestNetDialer(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		addr, seen := scriptedListener(t)
		s, err := NetDialer(Config{Address: addr, LocalName: "relay.example.org", Timeout: time.Second})(t.Context())
		require.NoError(t, err)
		require.NoError(t, s.Quit())
		assert.Equal(t, []string{"EHLO", "QUIT"}, <-seen)
	})

	t.Run("starttls not offered", func(t *testing.T) {
		addr, seen := scriptedListener(t)
		_, err := NetDialer(Config{Address: addr, StartTLS: true, LocalName: "relay.example.org"})(t.Context())
		assert.ErrorContains(t, err, "STARTTLS")
		assert.NotContains(t, <-seen, "STARTTLS")
	})

	t.Run("lmtp rejects starttls", func(t *testing.T) {
		_, err := New(t.Context(), Config{Address: "mx.example.org:24", LMTP: true, StartTLS: true})
		assert.Equal(t, directory.ErrorCategoryConfiguration, directory.GetErrorCategory(err))
	})
}

func TestReplyCode(t *testing.T) {
	code, ok := replyCode(reply(550, "x"))
	assert.True(t, ok)
	assert.Equal(t, 550, code)

	_, ok = replyCode(errors.New("eof"))
	assert.False(t, ok)
	assert.True(t, isBroken(io.EOF))
	assert.False(t, isBroken(reply(451, "later")))
}
