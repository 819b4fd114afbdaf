package ldap

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/openfinch/mail-server/internal/logging"
)

// Server is one LDAP endpoint the backend may connect to.
type Server struct {
	Host     string
	Port     int
	TLS      bool // ldaps:// rather than ldap://
	Priority int
	Weight   int
	Source   string // "config", "srv" or "fallback"
}

// URL returns the LDAP URL of the server.
func (s Server) URL() string {
	scheme := "ldap"
	if s.TLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
}

// ParseURL parses an ldap:// or ldaps:// URL. Missing ports default to
// 389 and 636.
func ParseURL(raw string) (Server, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Server{}, fmt.Errorf("invalid LDAP URL %q: %w", raw, err)
	}

	s := Server{Source: "config", Weight: 100}
	switch strings.ToLower(u.Scheme) {
	case "ldap":
		s.Port = 389
	case "ldaps":
		s.TLS = true
		s.Port = 636
	default:
		return Server{}, fmt.Errorf("unsupported scheme in %q, must be ldap:// or ldaps://", raw)
	}

	s.Host = u.Hostname()
	if s.Host == "" {
		return Server{}, fmt.Errorf("no hostname found in URL %q", raw)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Server{}, fmt.Errorf("invalid port number %q in %q", p, raw)
		}
		s.Port = port
	}

	return s, nil
}

// Resolver looks up DNS SRV records. *net.Resolver satisfies it.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// Discover finds LDAP servers for domain through DNS SRV records. LDAPS
// records are preferred; plain LDAP records are only consulted when no
// LDAPS record exists. When DNS has no answer the domain itself is tried
// on the standard ports.
func Discover(ctx context.Context, resolver Resolver, domain string) ([]Server, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	lookups := []struct {
		service string
		tls     bool
	}{
		{"ldaps", true},
		{"ldap", false},
	}

	for _, l := range lookups {
		_, records, err := resolver.LookupSRV(ctx, l.service, "tcp", domain)
		if err != nil || len(records) == 0 {
			tflog.SubsystemDebug(ctx, logging.SubsystemBackend, "SRV lookup returned no servers", map[string]any{
				"service": l.service,
				"domain":  domain,
			})
			continue
		}

		servers := make([]Server, 0, len(records))
		for _, r := range records {
			servers = append(servers, Server{
				Host:     strings.TrimSuffix(r.Target, "."),
				Port:     int(r.Port),
				TLS:      l.tls,
				Priority: int(r.Priority),
				Weight:   int(r.Weight),
				Source:   "srv",
			})
		}
		sortServers(servers)

		tflog.SubsystemDebug(ctx, logging.SubsystemBackend, "Discovered LDAP servers", map[string]any{
			"service":      l.service,
			"domain":       domain,
			"server_count": len(servers),
		})
		return servers, nil
	}

	return []Server{
		{Host: domain, Port: 636, TLS: true, Priority: 0, Weight: 100, Source: "fallback"},
		{Host: domain, Port: 389, Priority: 1, Weight: 100, Source: "fallback"},
	}, nil
}

// sortServers orders servers by ascending priority, heavier weights first
// within a priority (RFC 2782).
func sortServers(servers []Server) {
	slices.SortStableFunc(servers, func(a, b Server) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
}
