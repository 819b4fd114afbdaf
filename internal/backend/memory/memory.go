// Package memory implements a directory backend over statically loaded
// principals. It performs no I/O after construction.
package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/openfinch/mail-server/internal/directory"
)

const kind = "memory"

// StringList decodes either a single YAML scalar or a sequence.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*l = nil
			return nil
		}
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}

// PrincipalConfig is one statically configured account. The first email
// is the primary address, the rest are aliases.
type PrincipalConfig struct {
	Name        string     `yaml:"name"`
	Type        string     `yaml:"type"`
	Secret      StringList `yaml:"secret"`
	Description string     `yaml:"description"`
	Quota       uint64     `yaml:"quota"`
	MemberOf    StringList `yaml:"member-of"`
	Email       StringList `yaml:"email"`
	EmailList   StringList `yaml:"email-list"`
}

// Config is the static data set.
type Config struct {
	Principals []PrincipalConfig `yaml:"principals"`
	Domains    []string          `yaml:"domains"`
}

// Parse decodes YAML data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse memory directory data: %w", err)
	}
	return &cfg, nil
}

// Load reads and decodes a YAML data file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory directory data: %w", err)
	}
	return Parse(data)
}

// Backend serves lookups from in-memory indexes.
type Backend struct {
	principals map[string]*directory.Principal
	addresses  map[string]string   // primary and alias address -> name
	lists      map[string][]string // list address -> member names
	domains    map[string]struct{}
}

var _ directory.Backend = (*Backend)(nil)

// New builds the indexes. Duplicate names or addresses owned by two
// principals are rejected.
func New(cfg Config) (*Backend, error) {
	b := &Backend{
		principals: make(map[string]*directory.Principal, len(cfg.Principals)),
		addresses:  make(map[string]string),
		lists:      make(map[string][]string),
		domains:    make(map[string]struct{}, len(cfg.Domains)),
	}

	for _, d := range cfg.Domains {
		b.domains[strings.ToLower(d)] = struct{}{}
	}

	for _, pc := range cfg.Principals {
		if pc.Name == "" {
			return nil, fmt.Errorf("memory directory: principal without name")
		}
		if _, dup := b.principals[pc.Name]; dup {
			return nil, fmt.Errorf("memory directory: duplicate principal %q", pc.Name)
		}

		typ := directory.TypeIndividual
		if pc.Type != "" {
			typ = directory.ParseType(pc.Type)
		}

		p := &directory.Principal{
			ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte("maildir:"+pc.Name)).String(),
			Name:        pc.Name,
			Type:        typ,
			Secrets:     slices.Clone(pc.Secret),
			Description: pc.Description,
			Quota:       pc.Quota,
			MemberOf:    slices.Clone(pc.MemberOf),
		}

		for i, addr := range pc.Email {
			addr = strings.ToLower(addr)
			if owner, taken := b.addresses[addr]; taken {
				return nil, fmt.Errorf("memory directory: address %q owned by %q and %q", addr, owner, pc.Name)
			}
			b.addresses[addr] = pc.Name
			b.addDomain(addr)

			emailKind := directory.EmailAlias
			if i == 0 {
				emailKind = directory.EmailPrimary
			}
			p.Emails = append(p.Emails, directory.Email{Address: addr, Kind: emailKind})
		}

		for _, addr := range pc.EmailList {
			addr = strings.ToLower(addr)
			b.lists[addr] = append(b.lists[addr], pc.Name)
			b.addDomain(addr)
			p.Emails = append(p.Emails, directory.Email{Address: addr, Kind: directory.EmailList})
		}

		directory.SortEmails(p.Emails)
		b.principals[pc.Name] = p
	}

	return b, nil
}

func (b *Backend) addDomain(addr string) {
	if at := strings.LastIndexByte(addr, '@'); at >= 0 && at < len(addr)-1 {
		b.domains[addr[at+1:]] = struct{}{}
	}
}

func (b *Backend) Kind() string {
	return kind
}

func (b *Backend) Principal(_ context.Context, name string) (*directory.Principal, error) {
	p, ok := b.principals[name]
	if !ok {
		return nil, directory.NotFound("principal", name)
	}
	return p, nil
}

func (b *Backend) MemberOf(_ context.Context, name string) ([]string, error) {
	p, ok := b.principals[name]
	if !ok {
		return nil, directory.NotFound("member_of", name)
	}
	return slices.Clone(p.MemberOf), nil
}

func (b *Backend) Recipient(_ context.Context, address string) (bool, error) {
	address = strings.ToLower(address)
	if _, ok := b.addresses[address]; ok {
		return true, nil
	}
	_, ok := b.lists[address]
	return ok, nil
}

func (b *Backend) Emails(_ context.Context, name string) ([]directory.Email, error) {
	p, ok := b.principals[name]
	if !ok {
		return nil, directory.NotFound("emails", name)
	}
	return slices.Clone(p.Emails), nil
}

func (b *Backend) Verify(_ context.Context, partial string, limit int) ([]string, error) {
	partial = strings.ToLower(partial)

	var out []string
	for _, p := range b.principals {
		if primary := p.Primary(); primary != "" && strings.Contains(primary, partial) {
			out = append(out, primary)
		}
	}
	return truncate(out, limit), nil
}

func (b *Backend) Expand(_ context.Context, list string, limit int) ([]string, error) {
	members, ok := b.lists[strings.ToLower(list)]
	if !ok {
		return nil, directory.NotFound("expand", list)
	}

	out := make([]string, 0, len(members))
	for _, name := range members {
		if primary := b.principals[name].Primary(); primary != "" {
			out = append(out, primary)
		}
	}
	return truncate(out, limit), nil
}

func (b *Backend) IsLocalDomain(_ context.Context, domain string) (bool, error) {
	_, ok := b.domains[strings.ToLower(domain)]
	return ok, nil
}

func (b *Backend) Close() error {
	return nil
}

func truncate(addrs []string, limit int) []string {
	slices.Sort(addrs)
	addrs = slices.Compact(addrs)
	if limit > 0 && len(addrs) > limit {
		addrs = addrs[:limit]
	}
	return addrs
}
