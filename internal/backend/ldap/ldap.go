// Package ldap implements a directory backend over LDAP. Lookups run as
// search requests on pooled, service-bound connections; authentication can
// be delegated to the server with a user bind.
package ldap

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/logging"
	"github.com/openfinch/mail-server/internal/pool"
)

const kind = "ldap"

// Filters are search filter templates. Every ? is replaced with the
// escaped lookup value. An empty filter disables the lookup.
type Filters struct {
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
	Verify  string `yaml:"verify"`
	Expand  string `yaml:"expand"`
	Domains string `yaml:"domains"`

	// Lookups holds further filters registered as named lookups.
	Lookups map[string]string `yaml:",inline"`
}

func (f Filters) empty() bool {
	return f.Name == "" && f.Email == "" && f.Verify == "" && f.Expand == "" && f.Domains == ""
}

// Statements returns every non-empty filter keyed by its setting name.
func (f Filters) Statements() map[string]string {
	out := make(map[string]string, len(f.Lookups)+5)
	for name, filter := range map[string]string{
		"name":    f.Name,
		"email":   f.Email,
		"verify":  f.Verify,
		"expand":  f.Expand,
		"domains": f.Domains,
	} {
		if filter != "" {
			out[name] = filter
		}
	}
	for name, filter := range f.Lookups {
		if filter != "" {
			out[name] = filter
		}
	}
	return out
}

// DefaultFilters returns filters for posixAccount/posixGroup entries
// carrying mail, mailAlias and mailList attributes.
func DefaultFilters() Filters {
	const objects = "(|(objectClass=posixAccount)(objectClass=posixGroup))"
	return Filters{
		Name:    "(&" + objects + "(uid=?))",
		Email:   "(&" + objects + "(|(mail=?)(mailAlias=?)(mailList=?)))",
		Verify:  "(&" + objects + "(mail=*?*))",
		Expand:  "(&" + objects + "(mailList=?))",
		Domains: "(&" + objects + "(|(mail=*@?)(mailAlias=*@?)))",
	}
}

// Attributes maps principal fields to LDAP attribute names.
type Attributes struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Class       string `yaml:"class"`
	Groups      string `yaml:"groups"`
	Description string `yaml:"description"`
	Secret      string `yaml:"secret"`
	Email       string `yaml:"email"`
	EmailAlias  string `yaml:"email-alias"`
	Quota       string `yaml:"quota"`
}

// DefaultAttributes returns the attribute names used by DefaultFilters.
func DefaultAttributes() Attributes {
	return Attributes{
		Name:        "uid",
		Class:       "objectClass",
		Groups:      "memberOf",
		Description: "description",
		Secret:      "userPassword",
		Email:       "mail",
		EmailAlias:  "mailAlias",
		Quota:       "diskQuota",
	}
}

// BindConfig holds the service bind identity and optional bind
// authentication.
type BindConfig struct {
	DN     string         `yaml:"dn"`
	Secret string         `yaml:"secret"`
	Auth   AuthBindConfig `yaml:"auth"`
}

// AuthBindConfig delegates credential checks to the LDAP server. With a DN
// template the user DN is built from the login name, otherwise it is
// looked up with the name filter.
type AuthBindConfig struct {
	Enable bool   `yaml:"enable"`
	DN     string `yaml:"dn"`
}

// Config configures the LDAP backend.
type Config struct {
	URLs       []string        `yaml:"urls"`
	Domain     string          `yaml:"domain"` // SRV discovery when no URLs are set
	BaseDN     string          `yaml:"base-dn"`
	Timeout    time.Duration   `yaml:"timeout"`
	TLS        TLSConfig       `yaml:"tls"`
	Bind       BindConfig      `yaml:"bind"`
	Kerberos   *KerberosConfig `yaml:"kerberos"`
	Filters    Filters         `yaml:"filter"`
	Attributes Attributes      `yaml:"attributes"`
	Pool       pool.Config     `yaml:"-"`

	// Dialer and Resolver replace the network for tests.
	Dialer   Dialer   `yaml:"-"`
	Resolver Resolver `yaml:"-"`
}

// Backend runs directory lookups against an LDAP directory.
type Backend struct {
	pool    *pool.Pool[Conn]
	baseDN  string
	filters Filters
	attrs   Attributes
	bind    BindConfig
	servers []Server
}

var (
	_ directory.Backend       = (*Backend)(nil)
	_ directory.Authenticator = (*Backend)(nil)
	_ directory.Querier       = (*Backend)(nil)
	_ directory.PoolStatser   = (*Backend)(nil)
)

// New resolves the servers and creates the backend. Connections are
// established lazily by the pool.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.BaseDN == "" {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "ldap base-dn is required", nil)
	}
	if cfg.Filters.empty() {
		lookups := cfg.Filters.Lookups
		cfg.Filters = DefaultFilters()
		cfg.Filters.Lookups = lookups
	}
	if cfg.Attributes == (Attributes{}) {
		cfg.Attributes = DefaultAttributes()
	}
	if cfg.Attributes.Name == "" {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "attributes.name is required", nil)
	}

	servers, err := resolveServers(ctx, cfg)
	if err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "no usable LDAP server", err)
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
		dial = NetDialer(cfg.TLS, cfg.Timeout)
	}

	p, err := pool.New[Conn](ctx, cfg.Pool, &connManager{
		servers:  servers,
		dial:     dial,
		bind:     cfg.Bind,
		kerberos: cfg.Kerberos,
		name:     cfg.Pool.Name,
	})
	if err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "invalid pool configuration", err)
	}

	return &Backend{
		pool:    p,
		baseDN:  cfg.BaseDN,
		filters: cfg.Filters,
		attrs:   cfg.Attributes,
		bind:    cfg.Bind,
		servers: servers,
	}, nil
}

func resolveServers(ctx context.Context, cfg Config) ([]Server, error) {
	if len(cfg.URLs) == 0 {
		return Discover(ctx, cfg.Resolver, cfg.Domain)
	}

	servers := make([]Server, 0, len(cfg.URLs))
	for _, raw := range cfg.URLs {
		s, err := ParseURL(raw)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func (b *Backend) Kind() string {
	return kind
}

// Servers returns the endpoints in connection order.
func (b *Backend) Servers() []Server {
	return slices.Clone(b.servers)
}

func (b *Backend) PoolStats() pool.Stats {
	return b.pool.Stats()
}

func (b *Backend) Principal(ctx context.Context, name string) (*directory.Principal, error) {
	entry, err := b.findPrincipal(ctx, name)
	if err != nil {
		return nil, err
	}
	return b.toPrincipal(entry)
}

func (b *Backend) findPrincipal(ctx context.Context, name string) (*ldap.Entry, error) {
	if b.filters.Name == "" {
		return nil, directory.Unsupported("principal", kind)
	}

	entries, err := b.search(ctx, "principal", b.filters.Name, name, 2, b.principalAttributes())
	if err != nil {
		return nil, err
	}
	switch len(entries) {
	case 0:
		return nil, directory.NotFound("principal", name)
	case 1:
		return entries[0], nil
	default:
		return nil, directory.SchemaMismatch("principal", "name filter matched %d entries for %q", len(entries), name)
	}
}

func (b *Backend) principalAttributes() []string {
	a := b.attrs
	var out []string
	for _, attr := range []string{a.ID, a.Name, a.Class, a.Groups, a.Description, a.Secret, a.Email, a.EmailAlias, a.Quota} {
		if attr != "" && !slices.Contains(out, attr) {
			out = append(out, attr)
		}
	}
	return out
}

// toPrincipal maps an entry through the attribute map.
func (b *Backend) toPrincipal(entry *ldap.Entry) (*directory.Principal, error) {
	a := b.attrs
	p := &directory.Principal{
		ID:   principalID(entry, a.ID),
		Name: entry.GetEqualFoldAttributeValue(a.Name),
		Type: directory.TypeIndividual,
	}
	if p.Name == "" {
		return nil, directory.SchemaMismatch("principal", "entry %s has no %s attribute", entry.DN, a.Name)
	}

	if a.Class != "" {
		p.Type = principalType(entry.GetEqualFoldAttributeValues(a.Class))
	}
	if a.Description != "" {
		p.Description = entry.GetEqualFoldAttributeValue(a.Description)
	}
	if a.Secret != "" {
		p.Secrets = entry.GetEqualFoldAttributeValues(a.Secret)
	}
	if a.Quota != "" {
		if raw := strings.TrimSpace(entry.GetEqualFoldAttributeValue(a.Quota)); raw != "" {
			q, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, directory.SchemaMismatch("principal", "quota attribute %s: %v", a.Quota, err)
			}
			p.Quota = q
		}
	}
	if a.Groups != "" {
		for _, dn := range entry.GetEqualFoldAttributeValues(a.Groups) {
			if g := rdnValue(dn); g != "" && !slices.Contains(p.MemberOf, g) {
				p.MemberOf = append(p.MemberOf, g)
			}
		}
	}

	p.Emails = b.entryEmails(entry)
	return p, nil
}

// principalType returns the first object class that maps to a known type.
// Entries with only unknown classes are individuals.
func principalType(classes []string) directory.Type {
	for _, c := range classes {
		if t := directory.ParseType(c); t != directory.TypeOther {
			return t
		}
	}
	return directory.TypeIndividual
}

// entryEmails reads the first email value as primary and every further
// email or alias value as an alias.
func (b *Backend) entryEmails(entry *ldap.Entry) []directory.Email {
	var out []directory.Email
	seen := make(map[string]struct{})
	add := func(addr string, emailKind directory.EmailKind) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, directory.Email{Address: addr, Kind: emailKind})
	}

	if b.attrs.Email != "" {
		for i, addr := range entry.GetEqualFoldAttributeValues(b.attrs.Email) {
			if i == 0 {
				add(addr, directory.EmailPrimary)
			} else {
				add(addr, directory.EmailAlias)
			}
		}
	}
	if b.attrs.EmailAlias != "" {
		for _, addr := range entry.GetEqualFoldAttributeValues(b.attrs.EmailAlias) {
			add(addr, directory.EmailAlias)
		}
	}

	directory.SortEmails(out)
	return out
}

func (b *Backend) MemberOf(ctx context.Context, name string) ([]string, error) {
	if b.attrs.Groups == "" {
		return nil, directory.Unsupported("member_of", kind)
	}
	p, err := b.Principal(ctx, name)
	if err != nil {
		return nil, err
	}
	return p.MemberOf, nil
}

func (b *Backend) Recipient(ctx context.Context, address string) (bool, error) {
	return b.exists(ctx, "recipient", b.filters.Email, address)
}

func (b *Backend) Emails(ctx context.Context, name string) ([]directory.Email, error) {
	p, err := b.Principal(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(p.Emails) == 0 {
		return nil, directory.NotFound("emails", name)
	}
	return p.Emails, nil
}

func (b *Backend) Verify(ctx context.Context, partial string, limit int) ([]string, error) {
	if b.filters.Verify == "" {
		return nil, directory.Unsupported("verify", kind)
	}

	entries, err := b.search(ctx, "verify", b.filters.Verify, partial, 0, []string{b.attrs.Email})
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(partial)
	var out []string
	for _, entry := range entries {
		for _, e := range b.entryEmails(entry) {
			if e.Kind == directory.EmailPrimary && strings.Contains(e.Address, needle) {
				out = append(out, e.Address)
			}
		}
	}
	return capSorted(out, limit), nil
}

func (b *Backend) Expand(ctx context.Context, list string, limit int) ([]string, error) {
	if b.filters.Expand == "" {
		return nil, directory.Unsupported("expand", kind)
	}

	entries, err := b.search(ctx, "expand", b.filters.Expand, list, 0, []string{b.attrs.Email})
	if err != nil {
		return nil, err
	}

	var out []string
	for _, entry := range entries {
		for _, e := range b.entryEmails(entry) {
			if e.Kind == directory.EmailPrimary {
				out = append(out, e.Address)
			}
		}
	}
	return capSorted(out, limit), nil
}

func (b *Backend) IsLocalDomain(ctx context.Context, domain string) (bool, error) {
	return b.exists(ctx, "is_local_domain", b.filters.Domains, domain)
}

// Query reports whether filter, with ? replaced by the escaped value,
// matches any entry.
func (b *Backend) Query(ctx context.Context, filter, value string) (bool, error) {
	return b.exists(ctx, "query", filter, value)
}

// Authenticate checks name and secret with a user bind when bind
// authentication is enabled. The bound connection is retired afterwards
// so that lookups never run under a user identity. Unknown names still
// bind against a DN that cannot exist, then fail with ErrNotFound.
func (b *Backend) Authenticate(ctx context.Context, name, secret string) (*directory.Principal, error) {
	if !b.bind.Auth.Enable {
		return nil, directory.Unsupported("authenticate", kind)
	}
	if secret == "" {
		return nil, directory.AuthFailed("authenticate", name)
	}

	entry, err := b.findPrincipal(ctx, name)
	if err != nil {
		if !directory.IsNotFoundError(err) {
			return nil, err
		}
		if err := b.userBind(ctx, b.decoyDN(), secret); err != nil && !hasCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, classify("authenticate", err)
		}
		return nil, directory.NotFound("authenticate", name)
	}

	dn := entry.DN
	if b.bind.Auth.DN != "" {
		dn = expandDN(b.bind.Auth.DN, name)
	}

	if err := b.userBind(ctx, dn, secret); err != nil {
		if hasCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, directory.AuthFailed("authenticate", name)
		}
		return nil, classify("authenticate", err)
	}

	p, err := b.toPrincipal(entry)
	if err != nil {
		return nil, err
	}
	p.Secrets = nil
	return p, nil
}

// userBind binds dn on a pooled connection that is discarded on release.
func (b *Backend) userBind(ctx context.Context, dn, secret string) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	conn.MarkBroken()

	return conn.Value().Bind(dn, secret)
}

// decoyDN returns a random DN under the base DN.
func (b *Backend) decoyDN() string {
	return "uid=" + uuid.NewString() + ",ou=nobody," + b.baseDN
}

// Close closes the pool and every idle connection.
func (b *Backend) Close() error {
	return b.pool.Close()
}

func (b *Backend) exists(ctx context.Context, operation, filter, value string) (bool, error) {
	if filter == "" {
		return false, directory.Unsupported(operation, kind)
	}
	entries, err := b.search(ctx, operation, filter, value, 1, []string{"1.1"})
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// search runs a subtree search for the expanded filter. A size limit that
// truncates the result is not an error.
func (b *Backend) search(ctx context.Context, operation, filter, value string, sizeLimit int, attrs []string) ([]*ldap.Entry, error) {
	attrs = slices.DeleteFunc(slices.Clone(attrs), func(s string) bool { return s == "" })
	req := ldap.NewSearchRequest(
		b.baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		sizeLimit,
		0,
		false,
		expandFilter(filter, value),
		attrs,
		nil,
	)

	var entries []*ldap.Entry
	err := logging.LogOperation(ctx, logging.SubsystemBackend, operation, map[string]any{
		"backend": kind,
		"filter":  req.Filter,
	}, func() error {
		return b.pool.With(ctx, func(conn Conn) error {
			res, err := conn.Search(req)
			switch {
			case err == nil:
			case hasCode(err, ldap.LDAPResultSizeLimitExceeded) && res != nil:
			case hasCode(err, ldap.LDAPResultNoSuchObject):
				return nil
			default:
				return err
			}
			entries = res.Entries
			return nil
		})
	})
	if err != nil {
		return nil, classify(operation, err)
	}
	return entries, nil
}

func capSorted(values []string, limit int) []string {
	slices.Sort(values)
	values = slices.Compact(values)
	if limit > 0 && len(values) > limit {
		values = values[:limit]
	}
	if values == nil {
		values = []string{}
	}
	return values
}

// hasCode reports whether err wraps an LDAP error with one of codes.
func hasCode(err error, codes ...uint16) bool {
	var ldapErr *ldap.Error
	if !errors.As(err, &ldapErr) {
		return false
	}
	return slices.Contains(codes, ldapErr.ResultCode)
}

// isBroken reports errors after which a connection must not be reused.
func isBroken(err error) bool {
	return hasCode(err, ldap.ErrorNetwork, ldap.LDAPResultUnavailable, ldap.LDAPResultBusy)
}

// classify maps LDAP errors into the directory taxonomy.
func classify(operation string, err error) error {
	var dirErr *directory.Error
	switch {
	case errors.Is(err, pool.ErrConnectTimeout):
		return directory.NewError(operation, directory.ErrorCategoryConnectTimeout, "ldap connect timed out", err)
	case errors.As(err, &dirErr):
		return directory.WrapError(operation, err)
	case isBroken(err):
		return directory.Unavailable(operation, err)
	case hasCode(err, ldap.ErrorFilterCompile, ldap.LDAPResultInvalidDNSyntax, ldap.LDAPResultUndefinedAttributeType):
		return directory.NewError(operation, directory.ErrorCategoryConfiguration, "invalid search", err)
	default:
		return directory.WrapError(operation, err)
	}
}
