/*
Package directory provides the identity and address-resolution layer of the
mail server.

A Service wraps one Backend (memory, SQL, LDAP, IMAP or LMTP/SMTP) and applies
the same policy to every kind of backend.

# Operations

  - Principal: account lookup by name
  - Authenticate: local secret verification or delegation to the backend
  - Emails: addresses of an account, primary first
  - Verify: partial address match, at most VerifyLimit results
  - Expand: mailing list members, at most ExpandLimit results
  - IsLocalDomain: static domain list, then backend
  - IsSuperuser: superuser type or membership of the superuser group
  - Recipient: deliverability of an address after rewriting

# Caching

Principal, Emails, IsLocalDomain, Recipient and group membership lookups go
through a sharded cache with separate TTLs for found and not-found outcomes.
Each miss takes a generation stamp before the backend is queried, and a cache
write never replaces an entry produced by a newer generation. Transient
failures (unreachable backend, connect timeout, pool exhaustion) are never
cached.

# Address Rewriting

Addresses are normalized before lookup. With subaddressing enabled the
stripped form ("jane+news@example.org" to "jane@example.org") is tried before
the original, and a catch-all candidate, when configured, is tried last. The
first candidate that resolves wins.

# Error Handling

Every failure is an *Error carrying an ErrorCategory. The package sentinels
(ErrNotFound, ErrBackendUnavailable, ...) match any error of their category
through errors.Is:

	if errors.Is(err, directory.ErrNotFound) {
		// no such account
	}

Backend unavailability and connect timeouts are retried with exponential
backoff. Pool exhaustion is returned immediately.
*/
package directory
