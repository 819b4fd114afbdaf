package directory

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Scheme prefixes for stored secrets.
const (
	SchemeSHA       = "{SHA}"
	SchemeSSHA      = "{SSHA}"
	SchemeSHA256    = "{SHA256}"
	SchemeSSHA256   = "{SSHA256}"
	SchemeSHA512    = "{SHA512}"
	SchemeSSHA512   = "{SSHA512}"
	SchemeCleartext = "{CLEARTEXT}"
	SchemePlain     = "{PLAIN}"
)

// ErrUnsupportedScheme is returned for stored secrets in an unknown format.
var ErrUnsupportedScheme = errors.New("unsupported secret scheme")

// VerifySecret reports whether secret matches the stored hash. Values
// without a recognized prefix are compared as cleartext.
func VerifySecret(secret, stored string) (bool, error) {
	switch {
	case strings.HasPrefix(stored, "$2a$"), strings.HasPrefix(stored, "$2b$"), strings.HasPrefix(stored, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(secret))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	case strings.HasPrefix(stored, "$argon2"):
		return verifyArgon2(secret, stored)
	case strings.HasPrefix(stored, "$pbkdf2"):
		return verifyPBKDF2(secret, stored)
	case strings.HasPrefix(stored, "$scrypt$"):
		return verifyScrypt(secret, stored)
	case strings.HasPrefix(stored, "{"):
		end := strings.IndexByte(stored, '}')
		if end < 0 {
			return false, fmt.Errorf("%w: unterminated scheme", ErrUnsupportedScheme)
		}
		return verifyPrefixed(secret, strings.ToUpper(stored[:end+1]), stored[end+1:])
	default:
		return constantTimeEqual([]byte(secret), []byte(stored)), nil
	}
}

func verifyPrefixed(secret, scheme, encoded string) (bool, error) {
	switch scheme {
	case SchemeCleartext, SchemePlain:
		return constantTimeEqual([]byte(secret), []byte(encoded)), nil
	case SchemeSHA:
		return verifyDigest(secret, encoded, sha1.New, false)
	case SchemeSSHA:
		return verifyDigest(secret, encoded, sha1.New, true)
	case SchemeSHA256:
		return verifyDigest(secret, encoded, sha256.New, false)
	case SchemeSSHA256:
		return verifyDigest(secret, encoded, sha256.New, true)
	case SchemeSHA512:
		return verifyDigest(secret, encoded, sha512.New, false)
	case SchemeSSHA512:
		return verifyDigest(secret, encoded, sha512.New, true)
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

// verifyDigest checks base64(hash(secret || salt) || salt); unsalted
// schemes have no trailing salt.
func verifyDigest(secret, encoded string, newHash func() hash.Hash, salted bool) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("invalid secret encoding: %w", err)
	}

	h := newHash()
	size := h.Size()
	if len(raw) < size || (!salted && len(raw) != size) {
		return false, fmt.Errorf("invalid secret length %d", len(raw))
	}

	h.Write([]byte(secret))
	h.Write(raw[size:])
	return constantTimeEqual(h.Sum(nil), raw[:size]), nil
}

// verifyArgon2 checks PHC strings: $argon2id$v=19$m=65536,t=3,p=4$salt$hash
func verifyArgon2(secret, stored string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("%w: malformed argon2 hash", ErrUnsupportedScheme)
	}

	var memory, passes uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &passes, &threads); err != nil {
		return false, fmt.Errorf("invalid argon2 parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("invalid argon2 salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("invalid argon2 hash: %w", err)
	}

	var got []byte
	switch parts[1] {
	case "argon2id":
		got = argon2.IDKey([]byte(secret), salt, passes, memory, threads, uint32(len(want)))
	case "argon2i":
		got = argon2.Key([]byte(secret), salt, passes, memory, threads, uint32(len(want)))
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parts[1])
	}
	return constantTimeEqual(got, want), nil
}

// verifyPBKDF2 checks $pbkdf2-sha256$iterations$salt$hash, salt and hash
// in adapted base64 ('.' for '+', unpadded).
func verifyPBKDF2(secret, stored string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 5 {
		return false, fmt.Errorf("%w: malformed pbkdf2 hash", ErrUnsupportedScheme)
	}

	var newHash func() hash.Hash
	switch parts[1] {
	case "pbkdf2", "pbkdf2-sha1":
		newHash = sha1.New
	case "pbkdf2-sha256":
		newHash = sha256.New
	case "pbkdf2-sha512":
		newHash = sha512.New
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parts[1])
	}

	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return false, fmt.Errorf("invalid pbkdf2 iterations %q", parts[2])
	}
	salt, err := decodeAdaptedBase64(parts[3])
	if err != nil {
		return false, fmt.Errorf("invalid pbkdf2 salt: %w", err)
	}
	want, err := decodeAdaptedBase64(parts[4])
	if err != nil {
		return false, fmt.Errorf("invalid pbkdf2 hash: %w", err)
	}

	got := pbkdf2.Key([]byte(secret), salt, iterations, len(want), newHash)
	return constantTimeEqual(got, want), nil
}

// verifyScrypt checks $scrypt$ln=15,r=8,p=1$salt$hash.
func verifyScrypt(secret, stored string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 5 {
		return false, fmt.Errorf("%w: malformed scrypt hash", ErrUnsupportedScheme)
	}

	var logN, r, p int
	if _, err := fmt.Sscanf(parts[2], "ln=%d,r=%d,p=%d", &logN, &r, &p); err != nil {
		return false, fmt.Errorf("invalid scrypt parameters: %w", err)
	}
	if logN <= 0 || logN > 30 {
		return false, fmt.Errorf("invalid scrypt cost ln=%d", logN)
	}

	salt, err := decodeAdaptedBase64(parts[3])
	if err != nil {
		return false, fmt.Errorf("invalid scrypt salt: %w", err)
	}
	want, err := decodeAdaptedBase64(parts[4])
	if err != nil {
		return false, fmt.Errorf("invalid scrypt hash: %w", err)
	}

	got, err := scrypt.Key([]byte(secret), salt, 1<<logN, r, p, len(want))
	if err != nil {
		return false, err
	}
	return constantTimeEqual(got, want), nil
}

func decodeAdaptedBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.ReplaceAll(strings.TrimRight(s, "="), ".", "+"))
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HashSecret produces a stored secret for plaintext in the given scheme.
// Supported: bcrypt and the salted SHA schemes.
func HashSecret(plaintext, scheme string, salt []byte) (string, error) {
	var newHash func() hash.Hash
	switch strings.ToUpper(scheme) {
	case "BCRYPT":
		out, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
		return string(out), err
	case SchemeSSHA:
		newHash = sha1.New
	case SchemeSSHA256:
		newHash = sha256.New
	case SchemeSSHA512:
		newHash = sha512.New
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}

	h := newHash()
	h.Write([]byte(plaintext))
	h.Write(salt)

	var buf bytes.Buffer
	buf.Write(h.Sum(nil))
	buf.Write(salt)
	return strings.ToUpper(scheme) + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// burnSecret spends roughly one bcrypt verification so that unknown
// accounts cost the same as known ones.
func burnSecret(secret string) {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-account"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
}
