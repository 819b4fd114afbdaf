package directory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/text/unicode/norm"

	"github.com/openfinch/mail-server/internal/cache"
	"github.com/openfinch/mail-server/internal/logging"
	"github.com/openfinch/mail-server/internal/pool"
	"github.com/openfinch/mail-server/internal/rewrite"
)

const (
	// VerifyLimit caps Verify results.
	VerifyLimit = 5
	// ExpandLimit caps Expand results.
	ExpandLimit = 50
	// MaxGroupDepth bounds the group closure walked by IsSuperuser.
	MaxGroupDepth = 16

	DefaultSuperuserGroup = "superusers"
	DefaultPositiveTTL    = time.Hour
	DefaultNegativeTTL    = 10 * time.Minute
)

// Cache key tags.
const (
	tagPrincipal = "principal"
	tagEmails    = "emails"
	tagMembers   = "members"
	tagDomain    = "domain"
	tagRcpt      = "rcpt"
)

// RetryConfig controls retries of transient backend failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Options configures a Service.
type Options struct {
	Name           string
	Rewrite        rewrite.Options
	Cache          cache.Config
	PositiveTTL    time.Duration
	NegativeTTL    time.Duration
	SuperuserGroup string
	LocalDomains   []string
	Retry          RetryConfig
}

// Stats reports cache and pool statistics of a Service.
type Stats struct {
	Name  string
	Kind  string
	Cache cache.Stats
	Pool  *pool.Stats
}

// Service is the directory facade shared by the protocol layers.
type Service struct {
	logCtx  context.Context
	name    string
	backend Backend
	cache   *cache.Cache
	rewrite *rewrite.Engine
	opts    Options
	domains map[string]struct{}
}

// NewService creates a Service over backend. ctx is retained for logging.
func NewService(ctx context.Context, backend Backend, opts Options) (*Service, error) {
	if backend == nil {
		return nil, NewError("new", ErrorCategoryConfiguration, "backend is required", nil)
	}

	if opts.PositiveTTL <= 0 {
		opts.PositiveTTL = DefaultPositiveTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.SuperuserGroup == "" {
		opts.SuperuserGroup = DefaultSuperuserGroup
	}
	if opts.Retry.BackoffFactor < 1 {
		opts.Retry.BackoffFactor = 1
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	if opts.Name == "" {
		opts.Name = backend.Kind()
	}

	domains := make(map[string]struct{}, len(opts.LocalDomains))
	for _, d := range opts.LocalDomains {
		domains[normalizeDomain(d)] = struct{}{}
	}

	s := &Service{
		logCtx:  ctx,
		name:    opts.Name,
		backend: backend,
		cache:   cache.New(opts.Cache),
		rewrite: rewrite.New(opts.Rewrite),
		opts:    opts,
		domains: domains,
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemDirectory, "Directory service initialized", map[string]any{
		"directory":     s.name,
		"kind":          backend.Kind(),
		"subaddressing": opts.Rewrite.Subaddressing.String(),
		"catch_all":     opts.Rewrite.CatchAll.String(),
		"positive_ttl":  opts.PositiveTTL.String(),
		"negative_ttl":  opts.NegativeTTL.String(),
	})

	return s, nil
}

// Name returns the directory name.
func (s *Service) Name() string {
	return s.name
}

// Backend returns the wrapped backend.
func (s *Service) Backend() Backend {
	return s.backend
}

// Principal looks up an account by name.
func (s *Service) Principal(ctx context.Context, name string) (*Principal, error) {
	name = normalizeName(name)
	return cachedLookup(ctx, s, "principal", tagPrincipal, name, func(ctx context.Context) (*Principal, error) {
		return s.backend.Principal(ctx, name)
	})
}

// Authenticate checks secret for the named account and returns the
// principal on success. Unknown accounts fail with ErrNotFound and wrong
// secrets with ErrAuthFailed, both after comparable work.
func (s *Service) Authenticate(ctx context.Context, name, secret string) (*Principal, error) {
	name = normalizeName(name)
	start := time.Now()
	defer func() {
		logging.LogPerformance(s.logCtx, logging.SubsystemDirectory, "authenticate", time.Since(start), map[string]any{
			"directory": s.name,
			"name":      name,
		})
	}()

	if auth, ok := s.backend.(Authenticator); ok {
		p, err := withRetry(ctx, s, "authenticate", func(ctx context.Context) (*Principal, error) {
			return auth.Authenticate(ctx, name, secret)
		})
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUnsupported) {
			return nil, s.wrap("authenticate", err)
		}
	}

	p, err := s.Principal(ctx, name)
	if err != nil {
		if IsNotFoundError(err) {
			burnSecret(secret)
		}
		return nil, err
	}

	if len(p.Secrets) == 0 {
		burnSecret(secret)
	}

	for _, stored := range p.Secrets {
		ok, verr := VerifySecret(secret, stored)
		if verr != nil {
			tflog.SubsystemDebug(s.logCtx, logging.SubsystemDirectory, "Skipping unverifiable secret", map[string]any{
				"directory": s.name,
				"name":      name,
				"error":     verr.Error(),
			})
			continue
		}
		if ok {
			return p, nil
		}
	}

	e := AuthFailed("authenticate", name)
	e.Directory = s.name
	return nil, e
}

// Emails returns the addresses of an account, primary first, then aliases,
// then lists, ascending within each kind.
func (s *Service) Emails(ctx context.Context, name string) ([]string, error) {
	name = normalizeName(name)
	addrs, err := cachedLookup(ctx, s, "emails", tagEmails, name, func(ctx context.Context) ([]string, error) {
		emails, err := s.backend.Emails(ctx, name)
		if err != nil {
			return nil, err
		}
		emails = slices.Clone(emails)
		SortEmails(emails)
		out := make([]string, 0, len(emails))
		for _, e := range emails {
			out = append(out, e.Address)
		}
		return out, nil
	})
	return slices.Clone(addrs), err
}

// Verify returns at most VerifyLimit primary addresses containing partial.
func (s *Service) Verify(ctx context.Context, partial string) ([]string, error) {
	partial = s.rewrite.Normalize(partial)
	if partial == "" {
		return []string{}, nil
	}

	var out []string
	err := logging.LogOperation(s.logCtx, logging.SubsystemDirectory, "verify", map[string]any{
		"directory": s.name,
		"partial":   partial,
	}, func() error {
		res, err := withRetry(ctx, s, "verify", func(ctx context.Context) ([]string, error) {
			return s.backend.Verify(ctx, partial, VerifyLimit)
		})
		if err != nil {
			return err
		}
		out = capSorted(res, VerifyLimit)
		return nil
	})
	if err != nil {
		if IsNotFoundError(err) {
			return []string{}, nil
		}
		return nil, s.wrap("verify", err)
	}
	return out, nil
}

// Expand returns at most ExpandLimit member addresses of a mailing list,
// deduplicated and ascending. Rewrite candidates are tried in order and the
// first non-empty expansion wins.
func (s *Service) Expand(ctx context.Context, list string) ([]string, error) {
	for _, candidate := range s.rewrite.Candidates(list) {
		res, err := withRetry(ctx, s, "expand", func(ctx context.Context) ([]string, error) {
			return s.backend.Expand(ctx, candidate, ExpandLimit)
		})
		if err != nil {
			if IsNotFoundError(err) {
				continue
			}
			return nil, s.wrap("expand", err)
		}
		if len(res) > 0 {
			return capSorted(res, ExpandLimit), nil
		}
	}
	return []string{}, nil
}

// IsLocalDomain reports whether domain is hosted here, consulting the
// static domain list before the backend.
func (s *Service) IsLocalDomain(ctx context.Context, domain string) (bool, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return false, nil
	}
	if _, ok := s.domains[domain]; ok {
		return true, nil
	}

	ok, err := cachedLookup(ctx, s, "is_local_domain", tagDomain, domain, func(ctx context.Context) (bool, error) {
		ok, err := s.backend.IsLocalDomain(ctx, domain)
		if err == nil && !ok {
			return false, NotFound("is_local_domain", domain)
		}
		return ok, err
	})
	switch {
	case err == nil:
		return ok, nil
	case IsNotFoundError(err), errors.Is(err, ErrUnsupported):
		return false, nil
	default:
		return false, err
	}
}

// IsSuperuser reports whether the account is a superuser, either by type or
// because its transitive group membership contains the superuser group.
func (s *Service) IsSuperuser(ctx context.Context, name string) (bool, error) {
	p, err := s.Principal(ctx, name)
	if err != nil {
		return false, err
	}
	if p.Type == TypeSuperuser {
		return true, nil
	}

	target := s.opts.SuperuserGroup
	visited := map[string]struct{}{p.Name: {}}
	frontier := slices.Clone(p.MemberOf)

	for depth := 0; depth < MaxGroupDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, group := range frontier {
			if group == target {
				return true, nil
			}
			if _, seen := visited[group]; seen {
				continue
			}
			visited[group] = struct{}{}

			parents, err := s.memberOf(ctx, group)
			if err != nil {
				if IsNotFoundError(err) || errors.Is(err, ErrUnsupported) {
					continue
				}
				return false, err
			}
			next = append(next, parents...)
		}
		frontier = next
	}

	return slices.Contains(frontier, target), nil
}

// Recipient resolves address through the rewrite candidates and returns the
// first candidate the backend accepts.
func (s *Service) Recipient(ctx context.Context, address string) (string, error) {
	normalized := s.rewrite.Normalize(address)
	if normalized == "" {
		return "", NotFound("rcpt", address)
	}

	return cachedLookup(ctx, s, "rcpt", tagRcpt, normalized, func(ctx context.Context) (string, error) {
		for _, candidate := range s.rewrite.Candidates(normalized) {
			ok, err := s.backend.Recipient(ctx, candidate)
			if err != nil {
				if IsNotFoundError(err) {
					continue
				}
				return "", err
			}
			if ok {
				return candidate, nil
			}
		}
		return "", NotFound("rcpt", normalized)
	})
}

// Query runs a named lookup statement on the backend. Results are not
// cached.
func (s *Service) Query(ctx context.Context, statement, value string) (bool, error) {
	q, ok := s.backend.(Querier)
	if !ok {
		return false, s.wrap("query", Unsupported("query", s.backend.Kind()))
	}

	var found bool
	err := logging.LogOperation(s.logCtx, logging.SubsystemDirectory, "query", map[string]any{
		"directory": s.name,
		"value":     value,
	}, func() error {
		var err error
		found, err = withRetry(ctx, s, "query", func(ctx context.Context) (bool, error) {
			return q.Query(ctx, statement, value)
		})
		return err
	})
	if err != nil {
		return false, s.wrap("query", err)
	}
	return found, nil
}

// Purge drops every cached lookup.
func (s *Service) Purge() {
	s.cache.Purge()
}

// Stats returns cache and pool statistics.
func (s *Service) Stats() Stats {
	st := Stats{
		Name:  s.name,
		Kind:  s.backend.Kind(),
		Cache: s.cache.Stats(),
	}
	if ps, ok := s.backend.(PoolStatser); ok {
		p := ps.PoolStats()
		st.Pool = &p
	}
	return st
}

// Close releases the backend.
func (s *Service) Close() error {
	s.cache.Purge()
	if err := s.backend.Close(); err != nil {
		return s.wrap("close", err)
	}
	return nil
}

func (s *Service) memberOf(ctx context.Context, name string) ([]string, error) {
	return cachedLookup(ctx, s, "member_of", tagMembers, name, func(ctx context.Context) ([]string, error) {
		return s.backend.MemberOf(ctx, name)
	})
}

// wrap classifies err and stamps it with the directory name.
func (s *Service) wrap(operation string, err error) error {
	wrapped := WrapError(operation, err)
	var dirErr *Error
	if errors.As(wrapped, &dirErr) && dirErr.Directory == "" {
		dirErr.Directory = s.name
	}
	return wrapped
}

// cachedLookup serves key from the cache or fetches it from the backend.
// Not-found outcomes are cached with the negative TTL; schema mismatches
// and transient failures are not cached.
func cachedLookup[T any](ctx context.Context, s *Service, operation, tag, key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	cacheKey := tag + ":" + key

	if outcome, ok := s.cache.Get(cacheKey); ok {
		tflog.SubsystemTrace(s.logCtx, logging.SubsystemCache, "Cache hit", map[string]any{
			"directory": s.name,
			"key":       cacheKey,
			"found":     outcome.Found,
		})
		if !outcome.Found {
			e := NotFound(operation, key)
			e.Directory = s.name
			return zero, e
		}
		return outcome.Value.(T), nil
	}

	generation := s.cache.Stamp()

	var value T
	err := logging.LogOperation(s.logCtx, logging.SubsystemDirectory, operation, map[string]any{
		"directory": s.name,
		"key":       key,
	}, func() error {
		var err error
		value, err = withRetry(ctx, s, operation, fetch)
		return err
	})

	if err != nil {
		err = s.wrap(operation, err)
		switch GetErrorCategory(err) {
		case ErrorCategoryNotFound:
			s.cache.Put(cacheKey, cache.NotFound(), s.opts.NegativeTTL, generation)
		case ErrorCategorySchemaMismatch:
			tflog.SubsystemWarn(s.logCtx, logging.SubsystemDirectory, "Backend returned malformed data", map[string]any{
				"directory": s.name,
				"operation": operation,
				"key":       key,
				"error":     err.Error(),
			})
		}
		return zero, err
	}

	s.cache.Put(cacheKey, cache.Found(value), s.opts.PositiveTTL, generation)
	return value, nil
}

// withRetry retries fn on unreachable backends and connect timeouts with
// exponential backoff. Other failures, pool exhaustion included, return at once.
func withRetry[T any](ctx context.Context, s *Service, operation string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	cfg := s.opts.Retry
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(s.logCtx, logging.SubsystemDirectory, "Retrying operation", map[string]any{
				"directory":  s.name,
				"operation":  operation,
				"attempt":    attempt,
				"max_retry":  cfg.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return zero, err
		}

		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, Unavailable(operation, ctx.Err())
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if cfg.MaxBackoff > 0 {
				backoff = min(backoff, cfg.MaxBackoff)
			}
		}
	}

	tflog.SubsystemWarn(s.logCtx, logging.SubsystemDirectory, "Operation failed after all retries exhausted", map[string]any{
		"directory":      s.name,
		"operation":      operation,
		"total_attempts": cfg.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})
	return zero, lastErr
}

func shouldRetry(err error) bool {
	switch GetErrorCategory(err) {
	case ErrorCategoryBackendUnavailable, ErrorCategoryConnectTimeout:
		return !errors.Is(err, pool.ErrClosed)
	default:
		return false
	}
}

// capSorted sorts, deduplicates and truncates addresses.
func capSorted(addrs []string, limit int) []string {
	out := slices.Clone(addrs)
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(norm.NFC.String(strings.TrimSpace(domain)), "."))
}
