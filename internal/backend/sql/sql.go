// Package sql implements a directory backend over database/sql. Every
// lookup is a configurable parameterized query run on a pooled connection.
package sql

import (
	"context"
	dbsql "database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/logging"
	"github.com/openfinch/mail-server/internal/pool"
)

const kind = "sql"

// Queries holds the SQL statements for each lookup. Each takes one
// positional parameter. An empty statement disables the lookup.
type Queries struct {
	Name       string `yaml:"name"`
	Members    string `yaml:"members"`
	Recipients string `yaml:"recipients"`
	Emails     string `yaml:"emails"`
	Verify     string `yaml:"verify"`
	Expand     string `yaml:"expand"`
	Domains    string `yaml:"domains"`

	// Lookups holds further statements registered as named lookups.
	Lookups map[string]string `yaml:",inline"`
}

func (q Queries) empty() bool {
	return q.Name == "" && q.Members == "" && q.Recipients == "" && q.Emails == "" &&
		q.Verify == "" && q.Expand == "" && q.Domains == ""
}

// Statements returns every non-empty statement keyed by its setting name.
func (q Queries) Statements() map[string]string {
	out := make(map[string]string, len(q.Lookups)+7)
	for name, stmt := range map[string]string{
		"name":       q.Name,
		"members":    q.Members,
		"recipients": q.Recipients,
		"emails":     q.Emails,
		"verify":     q.Verify,
		"expand":     q.Expand,
		"domains":    q.Domains,
	} {
		if stmt != "" {
			out[name] = stmt
		}
	}
	for name, stmt := range q.Lookups {
		if stmt != "" {
			out[name] = stmt
		}
	}
	return out
}

// DefaultQueries returns statements matching the reference schema.
func DefaultQueries() Queries {
	return Queries{
		Name:       "SELECT name, type, secret, description, quota FROM accounts WHERE name = ? AND active = true",
		Members:    "SELECT member_of FROM group_members WHERE name = ?",
		Recipients: "SELECT name FROM emails WHERE address = ?",
		Emails:     "SELECT address, type FROM emails WHERE name = ?",
		Verify:     "SELECT address FROM emails WHERE address LIKE '%' || ? || '%' AND type = 'primary' ORDER BY address LIMIT 5",
		Expand: "SELECT p.address FROM emails AS p JOIN emails AS l ON p.name = l.name " +
			"WHERE p.type = 'primary' AND l.address = ? AND l.type = 'list' ORDER BY p.address LIMIT 50",
		Domains: "SELECT 1 FROM emails WHERE address LIKE '%@' || ? LIMIT 1",
	}
}

// Columns maps principal fields to result columns of the name query.
type Columns struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Secret      string `yaml:"secret"`
	Description string `yaml:"description"`
	Quota       string `yaml:"quota"`
}

// DefaultColumns returns the column names of the reference schema.
func DefaultColumns() Columns {
	return Columns{
		Name:        "name",
		Type:        "type",
		Secret:      "secret",
		Description: "description",
		Quota:       "quota",
	}
}

// Config configures the SQL backend.
type Config struct {
	Driver  string      `yaml:"driver"`
	DSN     string      `yaml:"dsn"`
	Queries Queries     `yaml:"query"`
	Columns Columns     `yaml:"columns"`
	Pool    pool.Config `yaml:"-"`
}

// Backend runs directory lookups against a SQL database.
type Backend struct {
	db      *dbsql.DB
	ownsDB  bool
	pool    *pool.Pool[*dbsql.Conn]
	queries Queries
	columns Columns
}

var (
	_ directory.Backend     = (*Backend)(nil)
	_ directory.Querier     = (*Backend)(nil)
	_ directory.PoolStatser = (*Backend)(nil)
)

// connManager leases dedicated *sql.Conn values from the database handle.
type connManager struct {
	db *dbsql.DB
}

func (m *connManager) Connect(ctx context.Context) (*dbsql.Conn, error) {
	return m.db.Conn(ctx)
}

func (m *connManager) Validate(ctx context.Context, conn *dbsql.Conn) error {
	return conn.PingContext(ctx)
}

func (m *connManager) Close(conn *dbsql.Conn) error {
	return conn.Close()
}

// Open opens the database and creates the backend.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "sql driver and dsn are required", nil)
	}

	db, err := dbsql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "failed to open database", err)
	}

	b, err := New(ctx, db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// New creates the backend over an existing database handle. The handle's
// own idle pool is disabled so that connection lifetime is governed by
// the directory pool.
func New(ctx context.Context, db *dbsql.DB, cfg Config) (*Backend, error) {
	if cfg.Queries.empty() {
		lookups := cfg.Queries.Lookups
		cfg.Queries = DefaultQueries()
		cfg.Queries.Lookups = lookups
	}
	if cfg.Columns == (Columns{}) {
		cfg.Columns = DefaultColumns()
	}
	if cfg.Columns.Name == "" {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "columns.name is required", nil)
	}

	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool = pool.DefaultConfig()
	}
	if cfg.Pool.Name == "" {
		cfg.Pool.Name = kind
	}
	cfg.Pool.IsBroken = isBroken

	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(cfg.Pool.MaxConnections)

	p, err := pool.New[*dbsql.Conn](ctx, cfg.Pool, &connManager{db: db})
	if err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "invalid pool configuration", err)
	}

	logging.LogConnectionEvent(ctx, "connection_established", map[string]any{
		"backend": kind,
		"driver":  cfg.Driver,
	})

	return &Backend{
		db:      db,
		pool:    p,
		queries: cfg.Queries,
		columns: cfg.Columns,
	}, nil
}

// DB returns the underlying database handle.
func (b *Backend) DB() *dbsql.DB {
	return b.db
}

func (b *Backend) Kind() string {
	return kind
}

func (b *Backend) PoolStats() pool.Stats {
	return b.pool.Stats()
}

func (b *Backend) Principal(ctx context.Context, name string) (*directory.Principal, error) {
	if b.queries.Name == "" {
		return nil, directory.Unsupported("principal", kind)
	}

	var p *directory.Principal
	err := b.pool.With(ctx, func(conn *dbsql.Conn) error {
		var err error
		p, err = b.scanPrincipal(ctx, conn, name)
		if err != nil {
			return err
		}

		if b.queries.Members != "" {
			if p.MemberOf, err = queryStrings(ctx, conn, b.queries.Members, name); err != nil {
				return err
			}
		}

		if b.queries.Emails != "" {
			if p.Emails, err = queryEmails(ctx, conn, b.queries.Emails, name); err != nil {
				return err
			}
			directory.SortEmails(p.Emails)
		}
		return nil
	})
	if err != nil {
		return nil, classify("principal", err)
	}
	return p, nil
}

// scanPrincipal runs the name query. Every returned row contributes a
// secret; the other fields come from the first row.
func (b *Backend) scanPrincipal(ctx context.Context, conn *dbsql.Conn, name string) (*directory.Principal, error) {
	rows, err := conn.QueryContext(ctx, b.queries.Name, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[strings.ToLower(c)] = i
	}
	col := func(name string) int {
		if name == "" {
			return -1
		}
		if i, ok := index[strings.ToLower(name)]; ok {
			return i
		}
		return -1
	}

	nameIdx := col(b.columns.Name)
	if nameIdx < 0 {
		return nil, directory.SchemaMismatch("principal", "name column %q missing from result", b.columns.Name)
	}
	typeIdx, secretIdx, descIdx, quotaIdx := col(b.columns.Type), col(b.columns.Secret), col(b.columns.Description), col(b.columns.Quota)

	var p *directory.Principal
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		if p == nil {
			p = &directory.Principal{
				ID:   asString(values[nameIdx]),
				Name: asString(values[nameIdx]),
				Type: directory.TypeIndividual,
			}
			if p.Name == "" {
				return nil, directory.SchemaMismatch("principal", "empty name for %q", name)
			}
			if typeIdx >= 0 {
				if t := asString(values[typeIdx]); t != "" {
					p.Type = directory.ParseType(t)
				}
			}
			if descIdx >= 0 {
				p.Description = asString(values[descIdx])
			}
			if quotaIdx >= 0 {
				q, err := asQuota(values[quotaIdx])
				if err != nil {
					return nil, directory.SchemaMismatch("principal", "quota column %q: %v", b.columns.Quota, err)
				}
				p.Quota = q
			}
		}

		if secretIdx >= 0 {
			if s := asString(values[secretIdx]); s != "" {
				p.Secrets = append(p.Secrets, s)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if p == nil {
		return nil, directory.NotFound("principal", name)
	}
	return p, nil
}

func (b *Backend) MemberOf(ctx context.Context, name string) ([]string, error) {
	return b.column(ctx, "member_of", b.queries.Members, name)
}

func (b *Backend) Recipient(ctx context.Context, address string) (bool, error) {
	return b.exists(ctx, "recipient", b.queries.Recipients, address)
}

func (b *Backend) Emails(ctx context.Context, name string) ([]directory.Email, error) {
	if b.queries.Emails == "" {
		return nil, directory.Unsupported("emails", kind)
	}

	var emails []directory.Email
	err := b.pool.With(ctx, func(conn *dbsql.Conn) error {
		var err error
		emails, err = queryEmails(ctx, conn, b.queries.Emails, name)
		return err
	})
	if err != nil {
		return nil, classify("emails", err)
	}
	if len(emails) == 0 {
		return nil, directory.NotFound("emails", name)
	}
	return emails, nil
}

func (b *Backend) Verify(ctx context.Context, partial string, limit int) ([]string, error) {
	out, err := b.column(ctx, "verify", b.queries.Verify, partial)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) Expand(ctx context.Context, list string, limit int) ([]string, error) {
	out, err := b.column(ctx, "expand", b.queries.Expand, list)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) IsLocalDomain(ctx context.Context, domain string) (bool, error) {
	return b.exists(ctx, "is_local_domain", b.queries.Domains, domain)
}

// Query reports whether statement returns at least one row for value.
func (b *Backend) Query(ctx context.Context, statement, value string) (bool, error) {
	if statement == "" {
		return false, directory.Unsupported("query", kind)
	}

	var found bool
	err := b.pool.With(ctx, func(conn *dbsql.Conn) error {
		rows, err := conn.QueryContext(ctx, statement, value)
		if err != nil {
			return err
		}
		defer rows.Close()
		found = rows.Next()
		return rows.Err()
	})
	if err != nil {
		return false, classify("query", err)
	}
	return found, nil
}

// Close closes the pool, and the database when the backend opened it.
func (b *Backend) Close() error {
	err := b.pool.Close()
	if b.ownsDB {
		err = errors.Join(err, b.db.Close())
	}
	return err
}

func (b *Backend) column(ctx context.Context, operation, query, arg string) ([]string, error) {
	if query == "" {
		return nil, directory.Unsupported(operation, kind)
	}

	var out []string
	err := b.pool.With(ctx, func(conn *dbsql.Conn) error {
		var err error
		out, err = queryStrings(ctx, conn, query, arg)
		return err
	})
	if err != nil {
		return nil, classify(operation, err)
	}
	return out, nil
}

func (b *Backend) exists(ctx context.Context, operation, query, arg string) (bool, error) {
	out, err := b.column(ctx, operation, query, arg)
	if err != nil {
		return false, err
	}
	return len(out) > 0, nil
}

// queryStrings returns the first column of every row.
func queryStrings(ctx context.Context, conn *dbsql.Conn, query, arg string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, directory.SchemaMismatch("query", "statement returned no columns")
	}

	var out []string
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		if s := asString(values[0]); s != "" {
			out = append(out, s)
		}
	}
	return out, rows.Err()
}

// queryEmails reads (address[, type]) rows. Without a type column the
// first address is primary and the rest are aliases.
func queryEmails(ctx context.Context, conn *dbsql.Conn, query, name string) ([]directory.Email, error) {
	rows, err := conn.QueryContext(ctx, query, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, directory.SchemaMismatch("emails", "statement returned no columns")
	}

	var out []directory.Email
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		addr := strings.ToLower(asString(values[0]))
		if addr == "" {
			continue
		}

		emailKind := directory.EmailAlias
		switch {
		case len(cols) > 1:
			emailKind = directory.ParseEmailKind(asString(values[1]))
		case len(out) == 0:
			emailKind = directory.EmailPrimary
		}
		out = append(out, directory.Email{Address: addr, Kind: emailKind})
	}
	return out, rows.Err()
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func asQuota(v any) (uint64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("negative quota %d", t)
		}
		return uint64(t), nil
	case float64:
		if t < 0 {
			return 0, fmt.Errorf("negative quota %v", t)
		}
		return uint64(t), nil
	default:
		s := strings.TrimSpace(asString(t))
		if s == "" {
			return 0, nil
		}
		return strconv.ParseUint(s, 10, 64)
	}
}

// isBroken reports errors after which a connection must not be reused.
func isBroken(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, dbsql.ErrConnDone)
}

// classify maps database errors into the directory taxonomy.
func classify(operation string, err error) error {
	var dirErr *directory.Error
	if errors.As(err, &dirErr) {
		return err
	}
	if isBroken(err) {
		return directory.Unavailable(operation, err)
	}
	return directory.WrapError(operation, err)
}
