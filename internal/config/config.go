// Package config loads the YAML configuration of the directories served by
// the mail server. Every directory is declared under directory.<id> and
// selects its backend with type.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	imapbackend "github.com/openfinch/mail-server/internal/backend/imap"
	ldapbackend "github.com/openfinch/mail-server/internal/backend/ldap"
	lmtpbackend "github.com/openfinch/mail-server/internal/backend/lmtp"
	"github.com/openfinch/mail-server/internal/backend/memory"
	sqlbackend "github.com/openfinch/mail-server/internal/backend/sql"
	"github.com/openfinch/mail-server/internal/cache"
	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/pool"
	"github.com/openfinch/mail-server/internal/rewrite"
)

// Backend types.
const (
	TypeMemory = "memory"
	TypeSQL    = "sql"
	TypeLDAP   = "ldap"
	TypeIMAP   = "imap"
	TypeLMTP   = "lmtp"
	TypeSMTP   = "smtp"
)

// Types lists the accepted values of type.
var Types = []string{TypeMemory, TypeSQL, TypeLDAP, TypeIMAP, TypeLMTP, TypeSMTP}

// listFilePrefix marks a list entry read from a file, one value per line.
const listFilePrefix = "file://"

// LookupDomains names the static list of local domains.
const LookupDomains = "domains"

// File is the root of a configuration file.
type File struct {
	Directories map[string]*Directory `yaml:"directory"`
}

// Directory configures one named directory.
type Directory struct {
	ID      string  `yaml:"-"`
	Type    string  `yaml:"type"`
	Address string  `yaml:"address"`
	Pool    Pool    `yaml:"pool"`
	Cache   Cache   `yaml:"cache"`
	Options Options `yaml:"options"`
	Retry   Retry   `yaml:"retry"`
	Lookup  Lookup  `yaml:"lookup"`

	SQL    sqlbackend.Config  `yaml:"sql"`
	LDAP   ldapbackend.Config `yaml:"ldap"`
	IMAP   imapbackend.Config `yaml:"imap"`
	LMTP   lmtpbackend.Config `yaml:"lmtp"`
	Memory Memory             `yaml:"memory"`
}

// Pool holds connection pool settings.
type Pool struct {
	MaxConnections    int           `yaml:"max-connections" default:"10"`
	MinConnections    int           `yaml:"min-connections"`
	MaxLifetime       time.Duration `yaml:"max-lifetime" default:"30m"`
	IdleTimeout       time.Duration `yaml:"idle-timeout" default:"10m"`
	ConnectTimeout    time.Duration `yaml:"connect-timeout" default:"30s"`
	AcquireTimeout    time.Duration `yaml:"acquire-timeout" default:"30s"`
	ReplenishInterval time.Duration `yaml:"replenish-interval" default:"30s"`
	ConnectRate       float64       `yaml:"connect-rate"`
}

// Cache holds lookup cache settings.
type Cache struct {
	Entries int `yaml:"entries" default:"1024"`
	Shards  int `yaml:"shards" default:"16"`
	TTL     TTL `yaml:"ttl"`
}

// TTL holds cache expiry for found and not-found outcomes.
type TTL struct {
	Positive time.Duration `yaml:"positive" default:"1h"`
	Negative time.Duration `yaml:"negative" default:"10m"`
}

// Options controls address rewriting and superuser detection.
type Options struct {
	CatchAll       AddressMapping `yaml:"catch-all"`
	Subaddressing  AddressMapping `yaml:"subaddressing"`
	SuperuserGroup string         `yaml:"superuser-group" default:"superusers"`
	LowercaseLocal bool           `yaml:"lowercase-local"`
}

// Retry controls retries of transient backend failures.
type Retry struct {
	MaxRetries     int           `yaml:"max-retries" default:"2"`
	InitialBackoff time.Duration `yaml:"initial-backoff" default:"100ms"`
	MaxBackoff     time.Duration `yaml:"max-backoff" default:"2s"`
	BackoffFactor  float64       `yaml:"backoff-factor" default:"2"`
}

// Lookup holds the named lookups of a directory. Lists may pull entries
// from files with file://. On sql and ldap directories every lookup other
// than domains is a single statement run by the backend.
type Lookup map[string]memory.StringList

// NamedLookup is a lookup addressed as <directory>/<name>. It either holds
// a static list or a statement for the directory's backend.
type NamedLookup struct {
	Directory string
	Name      string
	Statement string
	List      []string
}

// Key returns the <directory>/<name> address of the lookup.
func (n NamedLookup) Key() string {
	return n.Directory + "/" + n.Name
}

// SplitLookupKey splits a <directory>/<name> address.
func SplitLookupKey(key string) (id, name string, ok bool) {
	id, name, ok = strings.Cut(key, "/")
	return id, name, ok && id != "" && name != ""
}

// Memory holds the principals of a memory directory, inline or in a
// separate YAML file.
type Memory struct {
	File          string `yaml:"file"`
	memory.Config `yaml:",inline"`
}

// AddressMapping is a rewrite rule setting: true for the built-in rule,
// false to disable it, or a {map, to} pair for a custom rule.
type AddressMapping struct {
	Enable bool
	Map    string
	To     string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *AddressMapping) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var enable bool
		if err := node.Decode(&enable); err != nil {
			return fmt.Errorf("line %d: invalid value for address mapping: %q", node.Line, node.Value)
		}
		*m = AddressMapping{Enable: enable}
		return nil
	case yaml.MappingNode:
		var custom struct {
			Map string `yaml:"map"`
			To  string `yaml:"to"`
		}
		if err := node.Decode(&custom); err != nil {
			return err
		}
		if custom.Map == "" {
			return fmt.Errorf("line %d: address mapping requires map", node.Line)
		}
		*m = AddressMapping{Enable: true, Map: custom.Map, To: custom.To}
		return nil
	default:
		return fmt.Errorf("line %d: address mapping must be a boolean or a {map, to} mapping", node.Line)
	}
}

// Rule compiles the mapping.
func (m AddressMapping) Rule() (rewrite.Rule, error) {
	switch {
	case !m.Enable:
		return rewrite.Disabled(), nil
	case m.Map == "":
		return rewrite.Default(), nil
	default:
		return rewrite.Compile(m.Map, m.To)
	}
}

// UnmarshalYAML applies defaults before decoding so that unset keys keep
// their default values.
func (d *Directory) UnmarshalYAML(node *yaml.Node) error {
	if err := defaults.Set(d); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	type plain Directory
	return node.Decode((*plain)(d))
}

// Load reads and parses a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, directory.NewError("load_config", directory.ErrorCategoryConfiguration,
			fmt.Sprintf("failed to read %s", path), err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration data.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, directory.NewError("load_config", directory.ErrorCategoryConfiguration,
			"failed to parse configuration", err)
	}

	for id, d := range f.Directories {
		if d == nil {
			d = &Directory{}
			if err := defaults.Set(d); err != nil {
				return nil, fmt.Errorf("failed to apply defaults: %w", err)
			}
			f.Directories[id] = d
		}
		d.ID = id
		d.applyAddress()
	}

	if err := f.Validate(); err != nil {
		return nil, directory.NewError("load_config", directory.ErrorCategoryConfiguration,
			"invalid configuration", err)
	}
	return &f, nil
}

// IDs returns the directory ids in sorted order.
func (f *File) IDs() []string {
	ids := make([]string, 0, len(f.Directories))
	for id := range f.Directories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate reports every problem found, one error per directory setting.
func (f *File) Validate() error {
	if len(f.Directories) == 0 {
		return errors.New("no directories configured")
	}

	var errs []error
	for _, id := range f.IDs() {
		if err := f.Directories[id].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks a single directory.
func (d *Directory) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("directory %q: "+format, append([]any{d.ID}, args...)...))
	}

	if strings.TrimSpace(d.ID) == "" {
		fail("empty directory id")
	}
	if strings.Contains(d.ID, "/") {
		fail("directory id must not contain /")
	}

	switch d.Type {
	case "":
		fail("type is required")
	case TypeMemory:
	case TypeSQL:
		if d.SQL.Driver == "" {
			fail("sql.driver is required")
		}
		if d.SQL.DSN == "" {
			fail("sql.dsn or address is required")
		}
	case TypeLDAP:
		if d.LDAP.BaseDN == "" {
			fail("ldap.base-dn is required")
		}
		if len(d.LDAP.URLs) == 0 && d.LDAP.Domain == "" {
			fail("ldap.urls, ldap.domain or address is required")
		}
	case TypeIMAP:
		if err := checkHostPort(d.IMAP.Address); err != nil {
			fail("imap address: %v", err)
		}
	case TypeLMTP, TypeSMTP:
		if err := checkHostPort(d.LMTP.Address); err != nil {
			fail("%s address: %v", d.Type, err)
		}
	default:
		fail("unknown type %q, expected one of %s", d.Type, strings.Join(Types, ", "))
	}

	p := d.Pool
	if p.MaxConnections < 1 || p.MaxConnections > pool.MaxConnectionPoolLimit {
		fail("pool.max-connections must be between 1 and %d, got %d", pool.MaxConnectionPoolLimit, p.MaxConnections)
	}
	if p.MinConnections < 0 || p.MinConnections > p.MaxConnections {
		fail("pool.min-connections must be between 0 and max-connections, got %d", p.MinConnections)
	}
	if p.ConnectTimeout <= 0 {
		fail("pool.connect-timeout must be positive")
	}
	if p.ConnectRate < 0 {
		fail("pool.connect-rate must not be negative")
	}

	if d.Cache.Entries < 0 || d.Cache.Shards < 0 {
		fail("cache.entries and cache.shards must not be negative")
	}
	if d.Cache.TTL.Positive < 0 || d.Cache.TTL.Negative < 0 {
		fail("cache.ttl values must not be negative")
	}

	if d.Retry.MaxRetries < 0 {
		fail("retry.max-retries must not be negative")
	}
	if d.Retry.BackoffFactor < 1 {
		fail("retry.backoff-factor must be at least 1")
	}

	for _, name := range slices.Sorted(maps.Keys(d.Lookup)) {
		values := d.Lookup[name]
		switch {
		case name == "" || strings.Contains(name, "/"):
			fail("invalid lookup name %q", name)
		case d.statementLookups() && name != LookupDomains:
			if len(values) != 1 || strings.HasPrefix(values[0], listFilePrefix) {
				fail("lookup.%s must be a single %s statement", name, d.Type)
			}
		}
	}

	if _, err := d.Options.CatchAll.Rule(); err != nil {
		fail("options.catch-all: %v", err)
	}
	if _, err := d.Options.Subaddressing.Rule(); err != nil {
		fail("options.subaddressing: %v", err)
	}

	return errors.Join(errs...)
}

// applyAddress copies the shared address setting into the backend section
// when the section leaves it unset.
func (d *Directory) applyAddress() {
	if d.Address == "" {
		return
	}
	switch d.Type {
	case TypeIMAP:
		if d.IMAP.Address == "" {
			d.IMAP.Address = d.Address
		}
	case TypeLMTP, TypeSMTP:
		if d.LMTP.Address == "" {
			d.LMTP.Address = d.Address
		}
	case TypeLDAP:
		if len(d.LDAP.URLs) == 0 {
			d.LDAP.URLs = []string{d.Address}
		}
	case TypeSQL:
		if d.SQL.DSN == "" {
			d.SQL.DSN = d.Address
		}
	}
}

func checkHostPort(addr string) error {
	if addr == "" {
		return errors.New("required")
	}
	_, _, err := net.SplitHostPort(addr)
	return err
}

// PoolConfig converts the pool settings.
func (d *Directory) PoolConfig() pool.Config {
	return pool.Config{
		Name:              d.ID,
		MaxConnections:    d.Pool.MaxConnections,
		MinConnections:    d.Pool.MinConnections,
		MaxLifetime:       d.Pool.MaxLifetime,
		IdleTimeout:       d.Pool.IdleTimeout,
		ConnectTimeout:    d.Pool.ConnectTimeout,
		AcquireTimeout:    d.Pool.AcquireTimeout,
		ReplenishInterval: d.Pool.ReplenishInterval,
		ConnectRate:       d.Pool.ConnectRate,
		ValidateOnAcquire: true,
	}
}

// ServiceOptions builds the directory service options, compiling the
// rewrite rules and reading file:// domain lists.
func (d *Directory) ServiceOptions() (directory.Options, error) {
	catchAll, err := d.Options.CatchAll.Rule()
	if err != nil {
		return directory.Options{}, fmt.Errorf("options.catch-all: %w", err)
	}
	subaddressing, err := d.Options.Subaddressing.Rule()
	if err != nil {
		return directory.Options{}, fmt.Errorf("options.subaddressing: %w", err)
	}
	domains, err := readList(d.Lookup[LookupDomains])
	if err != nil {
		return directory.Options{}, fmt.Errorf("lookup.domains: %w", err)
	}

	return directory.Options{
		Name: d.ID,
		Rewrite: rewrite.Options{
			Subaddressing:  subaddressing,
			CatchAll:       catchAll,
			LowercaseLocal: d.Options.LowercaseLocal,
		},
		Cache: cache.Config{
			Entries: d.Cache.Entries,
			Shards:  d.Cache.Shards,
		},
		PositiveTTL:    d.Cache.TTL.Positive,
		NegativeTTL:    d.Cache.TTL.Negative,
		SuperuserGroup: d.Options.SuperuserGroup,
		LocalDomains:   domains,
		Retry: directory.RetryConfig{
			MaxRetries:     d.Retry.MaxRetries,
			InitialBackoff: d.Retry.InitialBackoff,
			MaxBackoff:     d.Retry.MaxBackoff,
			BackoffFactor:  d.Retry.BackoffFactor,
		},
	}, nil
}

// statementLookups reports whether lookups of d run as backend statements.
func (d *Directory) statementLookups() bool {
	return d.Type == TypeSQL || d.Type == TypeLDAP
}

// Lookups returns the named lookups of d sorted by name. Every sql query
// and ldap filter is registered under its setting name; entries under
// lookup override them.
func (d *Directory) Lookups() ([]NamedLookup, error) {
	byName := make(map[string]NamedLookup)

	var statements map[string]string
	switch d.Type {
	case TypeSQL:
		statements = d.SQL.Queries.Statements()
	case TypeLDAP:
		statements = d.LDAP.Filters.Statements()
	}
	for name, stmt := range statements {
		byName[name] = NamedLookup{Directory: d.ID, Name: name, Statement: stmt}
	}

	for name, values := range d.Lookup {
		if d.statementLookups() && name != LookupDomains && len(values) == 1 {
			byName[name] = NamedLookup{Directory: d.ID, Name: name, Statement: values[0]}
			continue
		}
		list, err := readList(values)
		if err != nil {
			return nil, fmt.Errorf("lookup.%s: %w", name, err)
		}
		byName[name] = NamedLookup{Directory: d.ID, Name: name, List: list}
	}

	out := make([]NamedLookup, 0, len(byName))
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		out = append(out, byName[name])
	}
	return out, nil
}

// MemoryData returns the memory directory data, loading it from file when
// one is set.
func (d *Directory) MemoryData() (*memory.Config, error) {
	if d.Memory.File == "" {
		cfg := d.Memory.Config
		return &cfg, nil
	}
	return memory.Load(d.Memory.File)
}

// readList expands file:// entries. Blank lines in files are skipped.
func readList(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		path, ok := strings.CutPrefix(v, listFilePrefix)
		if !ok {
			out = append(out, v)
			continue
		}

		lines, err := readLines(path)
		if err != nil {
			return nil, err
		}
		out = append(out, lines...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read list file %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list file %s: %w", path, err)
	}
	return lines, nil
}
