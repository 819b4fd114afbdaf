package ldap

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// Binary identifier attributes used by Active Directory.
const (
	attrObjectSID  = "objectsid"
	attrObjectGUID = "objectguid"
)

// principalID reads the configured id attribute from entry. objectSid and
// objectGUID are decoded from their binary form. Entries without the
// attribute fall back to their DN.
func principalID(entry *ldap.Entry, attr string) string {
	if attr == "" {
		return entry.DN
	}

	switch strings.ToLower(attr) {
	case attrObjectSID:
		if raw := entry.GetEqualFoldRawAttributeValue(attr); len(raw) > 0 {
			return decodeSID(raw)
		}
	case attrObjectGUID:
		if raw := entry.GetEqualFoldRawAttributeValue(attr); len(raw) > 0 {
			if id, err := decodeGUID(raw); err == nil {
				return id
			}
		}
	default:
		if v := entry.GetEqualFoldAttributeValue(attr); v != "" {
			return v
		}
	}

	return entry.DN
}

// decodeSID renders a binary SID in S-1-5-21-... form.
func decodeSID(raw []byte) string {
	return objectsid.Decode(raw).String()
}

// decodeGUID converts an Active Directory GUID to its canonical string.
// The first three groups are stored little-endian.
func decodeGUID(raw []byte) (string, error) {
	if len(raw) != 16 {
		return "", fmt.Errorf("invalid GUID length %d", len(raw))
	}

	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = raw[3], raw[2], raw[1], raw[0]
	b[4], b[5] = raw[5], raw[4]
	b[6], b[7] = raw[7], raw[6]
	copy(b[8:], raw[8:])

	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
