package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinch/mail-server/internal/directory"
)

const testConfig = `
directory:
  local:
    type: memory
    options:
      subaddressing: true
    lookup:
      domains: [example.net]
      blocked: [spam.example]
    memory:
      principals:
        - name: admin
          secret: "{CLEARTEXT}adminpass"
          member-of: superusers
          email: admin@example.org
        - name: jane
          secret: "{CLEARTEXT}janepass"
          description: Jane Doe
          member-of: [sales, support]
          email: [jane@example.org, jane.doe@example.org]
          email-list: info@example.org
        - name: bill
          email: bill@example.org
          email-list: info@example.org
`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maildir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestQueries(t *testing.T) {
	cfg := writeConfig(t, testConfig)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "expand", args: []string{"expand", "info@example.org"}, want: "bill@example.org\njane@example.org\n"},
		{name: "emails", args: []string{"emails", "jane"}, want: "jane@example.org\njane.doe@example.org\ninfo@example.org\n"},
		{name: "verify", args: []string{"verify", "jane"}, want: "jane@example.org\n"},
		{name: "superuser", args: []string{"superuser", "admin"}, want: "true\n"},
		{name: "not superuser", args: []string{"superuser", "jane"}, want: "false\n"},
		{name: "static domain", args: []string{"domain", "example.net"}, want: "true\n"},
		{name: "rcpt subaddress", args: []string{"rcpt", "jane+news@example.org"}, want: "jane@example.org\n"},
		{name: "json list", args: []string{"-o", "json", "verify", "nobody"}, want: "[]\n"},
		{name: "json bool", args: []string{"--output", "json", "domain", "example.com"}, want: "{\n  \"local\": false\n}\n"},
		{name: "contains", args: []string{"contains", "local/blocked", "spam.example"}, want: "true\n"},
		{name: "not contains", args: []string{"contains", "local/blocked", "example.org"}, want: "false\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, "", append([]string{"--config", cfg}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestLookup(t *testing.T) {
	cfg := writeConfig(t, testConfig)

	out, err := run(t, "", "--config", cfg, "lookup", "jane")
	require.NoError(t, err)
	assert.Contains(t, out, "name:        jane\n")
	assert.Contains(t, out, "description: Jane Doe\n")
	assert.Contains(t, out, "member-of:   sales, support\n")
	assert.Contains(t, out, "email:       jane@example.org (primary)\n")
	assert.NotContains(t, out, "janepass")

	_, err = run(t, "", "--config", cfg, "lookup", "nobody")
	assert.ErrorIs(t, err, directory.ErrNotFound)
	assert.Equal(t, 2, exitCode(err))
}

func TestAuth(t *testing.T) {
	cfg := writeConfig(t, testConfig)

	out, err := run(t, "janepass\n", "--config", cfg, "auth", "jane", "--stdin")
	require.NoError(t, err)
	assert.Equal(t, "authenticated jane\n", out)

	_, err = run(t, "wrong\n", "--config", cfg, "auth", "jane", "--stdin")
	assert.ErrorIs(t, err, directory.ErrAuthFailed)
	assert.Equal(t, 2, exitCode(err))

	t.Setenv("MAILDIR_SECRET", "adminpass")
	out, err = run(t, "", "--config", cfg, "-o", "json", "auth", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, `"authenticated": true`)
	assert.NotContains(t, out, "adminpass")

	_, err = run(t, "", "--config", cfg, "auth", "admin", "--stdin")
	assert.ErrorContains(t, err, "empty secret")
}

func TestDirectorySelection(t *testing.T) {
	cfg := writeConfig(t, testConfig+`
  other:
    type: memory
`)

	_, err := run(t, "", "--config", cfg, "lookup", "jane")
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))

	_, err = run(t, "", "--config", cfg, "-d", "local", "lookup", "jane")
	require.NoError(t, err)

	_, err = run(t, "", "--config", cfg, "-d", "missing", "lookup", "jane")
	assert.ErrorIs(t, err, directory.ErrConfiguration)
}

func TestContainsErrors(t *testing.T) {
	cfg := writeConfig(t, testConfig)

	tests := []struct {
		name string
		key  string
	}{
		{name: "no slash", key: "blocked"},
		{name: "unknown directory", key: "remote/blocked"},
		{name: "unknown lookup", key: "local/allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, "", "--config", cfg, "contains", tt.key, "x")
			assert.ErrorIs(t, err, directory.ErrConfiguration)
			assert.Equal(t, 3, exitCode(err))
		})
	}
}

func TestInvalidOutput(t *testing.T) {
	cfg := writeConfig(t, testConfig)
	_, err := run(t, "", "--config", cfg, "-o", "xml", "lookup", "jane")
	assert.ErrorContains(t, err, "unsupported output format")
}

func TestMigrate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "directory.sqlite")
	cfg := writeConfig(t, `
directory:
  users:
    type: sql
    address: `+db+`
    sql:
      driver: sqlite3
`)

	out, err := run(t, "", "--config", cfg, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "directory users migrated\n", out)

	_, err = run(t, "", "--config", cfg, "lookup", "jane")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	memCfg := writeConfig(t, testConfig)
	_, err = run(t, "", "--config", memCfg, "migrate")
	assert.ErrorIs(t, err, directory.ErrConfiguration)
}

func TestMetricsHandler(t *testing.T) {
	stats := func() []directory.Stats {
		return []directory.Stats{{Name: "local", Kind: "memory"}}
	}

	rec := httptest.NewRecorder()
	metricsHandler(stats).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `maildir_cache_entries{directory="local",kind="memory"} 0`)
	assert.Contains(t, body, "go_goroutines")
}
