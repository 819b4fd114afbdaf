package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinch/mail-server/internal/directory"
)

const testData = `
domains: [example.org]
principals:
  - name: admin
    type: individual
    secret: "{CLEARTEXT}adminpass"
    member-of: superusers
    email: admin@example.org
  - name: jane
    description: Jane Doe
    secret: ["{CLEARTEXT}old", "{CLEARTEXT}janepass"]
    quota: 1048576
    member-of: [sales, support]
    email: [jane@example.org, jane.doe@example.org]
    email-list: info@example.org
  - name: bill
    secret: "{CLEARTEXT}billpass"
    email: bill@Example.org
    email-list: [info@example.org]
  - name: sales
    type: group
  - name: superusers
    type: group
`

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	cfg, err := Parse([]byte(testData))
	require.NoError(t, err)
	b, err := New(*cfg)
	require.NoError(t, err)
	return b
}

func TestParseStringLists(t *testing.T) {
	cfg, err := Parse([]byte(testData))
	require.NoError(t, err)
	require.Len(t, cfg.Principals, 5)

	assert.Equal(t, StringList{"superusers"}, cfg.Principals[0].MemberOf)
	assert.Equal(t, StringList{"{CLEARTEXT}old", "{CLEARTEXT}janepass"}, cfg.Principals[1].Secret)
	assert.Nil(t, cfg.Principals[3].Email)

	_, err = Parse([]byte("principals:\n  - name: x\n    email: {a: b}\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testData), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Principals, 5)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewRejectsInvalidData(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "missing name",
			cfg:  Config{Principals: []PrincipalConfig{{Email: StringList{"a@b"}}}},
		},
		{
			name: "duplicate name",
			cfg:  Config{Principals: []PrincipalConfig{{Name: "a"}, {Name: "a"}}},
		},
		{
			name: "duplicate address",
			cfg: Config{Principals: []PrincipalConfig{
				{Name: "a", Email: StringList{"x@d"}},
				{Name: "b", Email: StringList{"X@d"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestPrincipal(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	p, err := b.Principal(ctx, "jane")
	require.NoError(t, err)
	assert.Equal(t, "jane", p.Name)
	assert.Equal(t, directory.TypeIndividual, p.Type)
	assert.Equal(t, "Jane Doe", p.Description)
	assert.Equal(t, uint64(1048576), p.Quota)
	assert.Equal(t, []string{"sales", "support"}, p.MemberOf)
	assert.Len(t, p.Secrets, 2)
	assert.Equal(t, []directory.Email{
		{Address: "jane@example.org", Kind: directory.EmailPrimary},
		{Address: "jane.doe@example.org", Kind: directory.EmailAlias},
		{Address: "info@example.org", Kind: directory.EmailList},
	}, p.Emails)

	again, err := New(Config{Principals: []PrincipalConfig{{Name: "jane"}}})
	require.NoError(t, err)
	q, err := again.Principal(ctx, "jane")
	require.NoError(t, err)
	assert.Equal(t, p.ID, q.ID, "ids are derived from the name")

	sales, err := b.Principal(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, directory.TypeGroup, sales.Type)

	_, err = b.Principal(ctx, "nobody")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestLookups(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	groups, err := b.MemberOf(ctx, "jane")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales", "support"}, groups)

	_, err = b.MemberOf(ctx, "nobody")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	emails, err := b.Emails(ctx, "bill")
	require.NoError(t, err)
	assert.Equal(t, []directory.Email{
		{Address: "bill@example.org", Kind: directory.EmailPrimary},
		{Address: "info@example.org", Kind: directory.EmailList},
	}, emails)

	tests := []struct {
		address string
		want    bool
	}{
		{"jane@example.org", true},
		{"JANE.DOE@example.org", true},
		{"info@example.org", true},
		{"nobody@example.org", false},
	}
	for _, tt := range tests {
		got, err := b.Recipient(ctx, tt.address)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.address)
	}
}

func TestVerify(t *testing.T) {
	b := newTestBackend(t)

	got, err := b.Verify(t.Context(), "example", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin@example.org", "bill@example.org", "jane@example.org"}, got)

	got, err = b.Verify(t.Context(), "example", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin@example.org", "bill@example.org"}, got)

	// Aliases are not matched.
	got, err = b.Verify(t.Context(), "jane.doe", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpand(t *testing.T) {
	b := newTestBackend(t)

	got, err := b.Expand(t.Context(), "info@example.org", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"bill@example.org", "jane@example.org"}, got)

	_, err = b.Expand(t.Context(), "jane@example.org", 50)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestIsLocalDomain(t *testing.T) {
	b, err := New(Config{
		Domains:    []string{"Example.ORG"},
		Principals: []PrincipalConfig{{Name: "x", Email: StringList{"x@other.net"}}},
	})
	require.NoError(t, err)

	for domain, want := range map[string]bool{
		"example.org": true,
		"other.net":   true,
		"remote.com":  false,
	} {
		got, err := b.IsLocalDomain(t.Context(), domain)
		require.NoError(t, err)
		assert.Equal(t, want, got, domain)
	}

	assert.Equal(t, "memory", b.Kind())
	assert.NoError(t, b.Close())
}
