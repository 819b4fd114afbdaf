package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// EscapeDNValue escapes a DN attribute value according to RFC 4514.
//
//   - "Doe, John" → "Doe\, John"
//   - " jane " → "\ jane\ "
//   - "#42" → "\#42"
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var b strings.Builder
	b.Grow(len(value) + 8)

	last := len(value) - 1
	for i, r := range value {
		switch {
		case strings.ContainsRune(`,+"\<>;`, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '#' && i == 0:
			b.WriteString(`\#`)
		case r == ' ' && (i == 0 || i == last):
			b.WriteString(`\ `)
		case r == 0:
			b.WriteString(`\00`)
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

// expandFilter replaces every ? placeholder in a filter template with the
// RFC 4515 escaped value.
func expandFilter(template, value string) string {
	return strings.ReplaceAll(template, "?", ldap.EscapeFilter(value))
}

// expandDN replaces every ? placeholder in a DN template with the RFC 4514
// escaped value.
func expandDN(template, value string) string {
	return strings.ReplaceAll(template, "?", EscapeDNValue(value))
}

// rdnValue returns the value of the leftmost RDN of dn, so that
// "cn=sales,ou=groups,dc=example,dc=org" becomes "sales". Values that do
// not parse as a DN are returned unchanged.
func rdnValue(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return dn
	}
	return parsed.RDNs[0].Attributes[0].Value
}
