package directory

import (
	"context"
	"slices"
	"strings"

	"github.com/openfinch/mail-server/internal/pool"
)

// Type is the kind of account a principal represents.
type Type string

const (
	TypeIndividual Type = "individual"
	TypeGroup      Type = "group"
	TypeList       Type = "list"
	TypeSuperuser  Type = "superuser"
	TypeResource   Type = "resource"
	TypeLocation   Type = "location"
	TypeOther      Type = "other"
)

// ParseType maps backend type strings to a Type. Unknown values map to TypeOther.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "individual", "person", "user", "inetorgperson", "posixaccount":
		return TypeIndividual
	case "group", "groupofnames", "groupofuniquenames", "posixgroup":
		return TypeGroup
	case "list", "mailinglist":
		return TypeList
	case "superuser", "admin":
		return TypeSuperuser
	case "resource":
		return TypeResource
	case "location":
		return TypeLocation
	default:
		return TypeOther
	}
}

// EmailKind orders a principal's addresses. Higher kinds sort first.
type EmailKind int

const (
	EmailList EmailKind = iota
	EmailAlias
	EmailPrimary
)

// String returns the kind name.
func (k EmailKind) String() string {
	switch k {
	case EmailPrimary:
		return "primary"
	case EmailAlias:
		return "alias"
	default:
		return "list"
	}
}

// ParseEmailKind maps a kind name to an EmailKind. Unknown names are aliases.
func ParseEmailKind(s string) EmailKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return EmailPrimary
	case "list":
		return EmailList
	default:
		return EmailAlias
	}
}

// Email is an address bound to a principal.
type Email struct {
	Address string
	Kind    EmailKind
}

// SortEmails orders addresses by kind descending, then address ascending.
func SortEmails(emails []Email) {
	slices.SortFunc(emails, func(a, b Email) int {
		if a.Kind != b.Kind {
			return int(b.Kind) - int(a.Kind)
		}
		return strings.Compare(a.Address, b.Address)
	})
}

// Principal is a read-only snapshot of a directory account.
type Principal struct {
	ID          string
	Name        string
	Type        Type
	Secrets     []string
	Description string
	Quota       uint64
	MemberOf    []string
	Emails      []Email
}

// Primary returns the principal's primary address, if any.
func (p *Principal) Primary() string {
	for _, e := range p.Emails {
		if e.Kind == EmailPrimary {
			return e.Address
		}
	}
	return ""
}

// Addresses returns the principal's addresses in display order.
func (p *Principal) Addresses() []string {
	emails := slices.Clone(p.Emails)
	SortEmails(emails)

	out := make([]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, e.Address)
	}
	return out
}

// Backend is the operation set every directory driver implements.
// Lookups that find nothing return an error matching ErrNotFound;
// operations a driver cannot perform return ErrUnsupported.
type Backend interface {
	// Kind names the driver, e.g. "sql".
	Kind() string
	// Principal looks up an account by name, filling emails, quota, secrets and groups.
	Principal(ctx context.Context, name string) (*Principal, error)
	// MemberOf returns the group names an account belongs to.
	MemberOf(ctx context.Context, name string) ([]string, error)
	// Recipient reports whether address is deliverable.
	Recipient(ctx context.Context, address string) (bool, error)
	// Emails returns the addresses bound to an account.
	Emails(ctx context.Context, name string) ([]Email, error)
	// Verify returns primary addresses containing partial, at most limit.
	Verify(ctx context.Context, partial string, limit int) ([]string, error)
	// Expand returns the primary addresses of a list's members, at most limit.
	Expand(ctx context.Context, list string, limit int) ([]string, error)
	// IsLocalDomain reports whether the backend hosts domain.
	IsLocalDomain(ctx context.Context, domain string) (bool, error)
	// Close releases backend resources.
	Close() error
}

// Authenticator is implemented by backends that check credentials
// themselves instead of exposing stored secrets. Returning ErrUnsupported
// falls back to verifying the principal's stored secrets.
type Authenticator interface {
	Authenticate(ctx context.Context, name, secret string) (*Principal, error)
}

// Querier is implemented by backends that run configured statements for
// named lookups. Query reports whether statement matches anything for
// value.
type Querier interface {
	Query(ctx context.Context, statement, value string) (bool, error)
}

// PoolStatser is implemented by backends that lease connections from a pool.
type PoolStatser interface {
	PoolStats() pool.Stats
}
