package sql

import (
	"context"
	dbsql "database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/pool"
	"github.com/openfinch/mail-server/internal/rewrite"
)

const fixtures = `
INSERT INTO accounts (name, secret, description, type, quota, active) VALUES
    ('admin', '{CLEARTEXT}adminpass', 'Administrator', 'individual', 0, 1),
    ('jane', '{CLEARTEXT}janepass', 'Jane Doe', 'individual', 1048576, 1),
    ('bill', '{CLEARTEXT}billpass', 'Bill', 'individual', 0, 1),
    ('gone', '{CLEARTEXT}x', 'Disabled', 'individual', 0, 0),
    ('superusers', NULL, 'Superusers', 'group', 0, 1);

INSERT INTO group_members (name, member_of) VALUES
    ('admin', 'superusers'),
    ('jane', 'sales'),
    ('jane', 'support');

INSERT INTO emails (name, address, type) VALUES
    ('admin', 'admin@example.org', 'primary'),
    ('jane', 'jane@example.org', 'primary'),
    ('jane', 'jane.doe@example.org', 'alias'),
    ('jane', 'info@example.org', 'list'),
    ('bill', 'bill@example.org', 'primary'),
    ('bill', 'info@example.org', 'list');
`

func openTestDB(t *testing.T) *dbsql.DB {
	t.Helper()
	db, err := dbsql.Open("sqlite3", filepath.Join(t.TempDir(), "directory.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db))
	_, err = db.Exec(fixtures)
	require.NoError(t, err)
	return db
}

func testPoolConfig() pool.Config {
	return pool.Config{
		MaxConnections:    2,
		ConnectTimeout:    time.Second,
		AcquireTimeout:    time.Second,
		ValidateOnAcquire: true,
	}
}

func newTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	cfg.Pool = testPoolConfig()
	b, err := New(t.Context(), openTestDB(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPrincipal(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := t.Context()

	p, err := b.Principal(ctx, "jane")
	require.NoError(t, err)
	assert.Equal(t, "jane", p.Name)
	assert.Equal(t, directory.TypeIndividual, p.Type)
	assert.Equal(t, "Jane Doe", p.Description)
	assert.Equal(t, uint64(1048576), p.Quota)
	assert.Equal(t, []string{"{CLEARTEXT}janepass"}, p.Secrets)
	assert.ElementsMatch(t, []string{"sales", "support"}, p.MemberOf)
	assert.Equal(t, []directory.Email{
		{Address: "jane@example.org", Kind: directory.EmailPrimary},
		{Address: "jane.doe@example.org", Kind: directory.EmailAlias},
		{Address: "info@example.org", Kind: directory.EmailList},
	}, p.Emails)

	group, err := b.Principal(ctx, "superusers")
	require.NoError(t, err)
	assert.Equal(t, directory.TypeGroup, group.Type)
	assert.Empty(t, group.Secrets)

	_, err = b.Principal(ctx, "gone")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	_, err = b.Principal(ctx, "nobody")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestPrincipalSchemaMismatch(t *testing.T) {
	tests := []struct {
		name    string
		queries Queries
		columns Columns
	}{
		{
			name:    "missing name column",
			queries: Queries{Name: "SELECT secret FROM accounts WHERE name = ?"},
			columns: DefaultColumns(),
		},
		{
			name:    "non numeric quota",
			queries: Queries{Name: "SELECT name, 'lots' AS quota FROM accounts WHERE name = ?"},
			columns: DefaultColumns(),
		},
		{
			name:    "renamed column not returned",
			queries: Queries{Name: "SELECT name FROM accounts WHERE name = ?"},
			columns: Columns{Name: "username"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t, Config{Queries: tt.queries, Columns: tt.columns})
			_, err := b.Principal(t.Context(), "jane")
			assert.ErrorIs(t, err, directory.ErrSchemaMismatch)
		})
	}
}

func TestLookups(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := t.Context()

	groups, err := b.MemberOf(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"superusers"}, groups)

	emails, err := b.Emails(ctx, "bill")
	require.NoError(t, err)
	assert.ElementsMatch(t, []directory.Email{
		{Address: "bill@example.org", Kind: directory.EmailPrimary},
		{Address: "info@example.org", Kind: directory.EmailList},
	}, emails)

	_, err = b.Emails(ctx, "nobody")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	ok, err := b.Recipient(ctx, "jane.doe@example.org")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Recipient(ctx, "nobody@example.org")
	require.NoError(t, err)
	assert.False(t, ok)

	verified, err := b.Verify(ctx, "example", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin@example.org", "bill@example.org"}, verified)

	expanded, err := b.Expand(ctx, "info@example.org", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"bill@example.org", "jane@example.org"}, expanded)

	ok, err = b.IsLocalDomain(ctx, "example.org")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.IsLocalDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmailsWithoutTypeColumn(t *testing.T) {
	q := DefaultQueries()
	q.Emails = "SELECT address FROM emails WHERE name = ? AND type != 'list' ORDER BY type DESC"
	b := newTestBackend(t, Config{Queries: q})

	emails, err := b.Emails(t.Context(), "jane")
	require.NoError(t, err)
	assert.Equal(t, []directory.Email{
		{Address: "jane@example.org", Kind: directory.EmailPrimary},
		{Address: "jane.doe@example.org", Kind: directory.EmailAlias},
	}, emails)
}

func TestUnsupportedQueries(t *testing.T) {
	b := newTestBackend(t, Config{Queries: Queries{Name: DefaultQueries().Name}})
	ctx := t.Context()

	_, err := b.Verify(ctx, "x", 5)
	assert.ErrorIs(t, err, directory.ErrUnsupported)
	_, err = b.IsLocalDomain(ctx, "example.org")
	assert.ErrorIs(t, err, directory.ErrUnsupported)

	p, err := b.Principal(ctx, "jane")
	require.NoError(t, err)
	assert.Empty(t, p.Emails)
}

func TestQuery(t *testing.T) {
	b := newTestBackend(t, Config{Queries: Queries{
		Lookups: map[string]string{"groups": "SELECT name, member_of FROM group_members WHERE member_of = ?"},
	}})
	ctx := t.Context()
	assert.NotEmpty(t, b.queries.Name, "defaults apply next to extra statements")

	stmt := b.queries.Lookups["groups"]
	ok, err := b.Query(ctx, stmt, "sales")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Query(ctx, stmt, "marketing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Query(ctx, "SELECT * FROM missing WHERE x = ?", "x")
	assert.Error(t, err)

	_, err = b.Query(ctx, "", "x")
	assert.ErrorIs(t, err, directory.ErrUnsupported)
}

func TestStatements(t *testing.T) {
	q := Queries{
		Name:    "SELECT 1",
		Lookups: map[string]string{"vip": "SELECT 2", "empty": ""},
	}
	assert.Equal(t, map[string]string{"name": "SELECT 1", "vip": "SELECT 2"}, q.Statements())
	assert.Len(t, DefaultQueries().Statements(), 7)
}

func TestPoolStats(t *testing.T) {
	b := newTestBackend(t, Config{})
	for range 5 {
		_, err := b.Principal(t.Context(), "jane")
		require.NoError(t, err)
	}

	stats := b.PoolStats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(0), stats.InUse)
	assert.Equal(t, "sql", b.Kind())
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(t.Context(), Config{})
	assert.Equal(t, directory.ErrorCategoryConfiguration, directory.GetErrorCategory(err))

	b, err := Open(t.Context(), Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "open.sqlite"),
		Pool:   testPoolConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(b.DB()))
	assert.NoError(t, b.Close())
}

func TestServiceOverSQL(t *testing.T) {
	b := newTestBackend(t, Config{})
	s, err := directory.NewService(context.Background(), b, directory.Options{
		Name:    "accounts",
		Rewrite: rewrite.Options{Subaddressing: rewrite.Default()},
	})
	require.NoError(t, err)

	p, err := s.Authenticate(t.Context(), "jane", "janepass")
	require.NoError(t, err)
	assert.Equal(t, "jane", p.Name)

	super, err := s.IsSuperuser(t.Context(), "admin")
	require.NoError(t, err)
	assert.True(t, super)

	got, err := s.Expand(t.Context(), "info+digest@example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"bill@example.org", "jane@example.org"}, got)

	st := s.Stats()
	require.NotNil(t, st.Pool)
	assert.Equal(t, "sql", st.Kind)
}
