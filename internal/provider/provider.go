// Package provider builds the configured directories and owns their
// lifecycle. Each directory id maps to a directory.Service over the
// backend selected by its type.
package provider

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	imapbackend "github.com/openfinch/mail-server/internal/backend/imap"
	ldapbackend "github.com/openfinch/mail-server/internal/backend/ldap"
	lmtpbackend "github.com/openfinch/mail-server/internal/backend/lmtp"
	"github.com/openfinch/mail-server/internal/backend/memory"
	sqlbackend "github.com/openfinch/mail-server/internal/backend/sql"
	"github.com/openfinch/mail-server/internal/config"
	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/logging"
)

// Opener creates the backend of one directory.
type Opener func(ctx context.Context, d *config.Directory) (directory.Backend, error)

// Openers returns the built-in backend constructors keyed by type.
func Openers() map[string]Opener {
	return map[string]Opener{
		config.TypeMemory: openMemory,
		config.TypeSQL:    openSQL,
		config.TypeLDAP:   openLDAP,
		config.TypeIMAP:   openIMAP,
		config.TypeLMTP:   openLMTP,
		config.TypeSMTP:   openLMTP,
	}
}

// Option customizes New.
type Option func(*Provider)

// WithOpener replaces the constructor used for a backend type.
func WithOpener(typ string, open Opener) Option {
	return func(p *Provider) {
		p.openers[typ] = open
	}
}

// Provider holds the open directories and their named lookups.
type Provider struct {
	mu       sync.RWMutex
	openers  map[string]Opener
	services map[string]*directory.Service
	lookups  map[string]*lookup
	closed   bool
}

// lookup answers a named lookup from a static set or a backend statement.
type lookup struct {
	set       map[string]struct{}
	statement string
	svc       *directory.Service
}

// New opens every directory in f concurrently. When any directory fails to
// open, the ones already opened are closed again.
func New(ctx context.Context, f *config.File, opts ...Option) (*Provider, error) {
	p := &Provider{
		openers:  Openers(),
		services: make(map[string]*directory.Service, len(f.Directories)),
		lookups:  make(map[string]*lookup),
	}
	for _, opt := range opts {
		opt(p)
	}

	logger := logging.NewTFLogger(ctx, logging.SubsystemDirectory)
	logger.Info("Opening directories", map[string]any{
		"count": len(f.Directories),
	})

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range f.IDs() {
		d := f.Directories[id]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			// Services keep the context they are opened with.
			svc, err := p.open(ctx, d)
			if err != nil {
				return err
			}
			lookups, err := d.Lookups()
			if err != nil {
				_ = svc.Close()
				return directory.NewError("open", directory.ErrorCategoryConfiguration,
					fmt.Sprintf("directory %q", id), err)
			}

			mu.Lock()
			defer mu.Unlock()
			p.services[id] = svc
			for _, l := range lookups {
				p.lookups[l.Key()] = newLookup(l, svc)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Failed to open directories", map[string]any{
			"error": err.Error(),
		})
		_ = p.Close()
		return nil, err
	}

	return p, nil
}

func (p *Provider) open(ctx context.Context, d *config.Directory) (*directory.Service, error) {
	start := time.Now()

	open, ok := p.openers[d.Type]
	if !ok {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration,
			fmt.Sprintf("directory %q: unknown type %q", d.ID, d.Type), nil)
	}

	opts, err := d.ServiceOptions()
	if err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration,
			fmt.Sprintf("directory %q", d.ID), err)
	}

	backend, err := open(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("directory %q: %w", d.ID, err)
	}

	svc, err := directory.NewService(ctx, backend, opts)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("directory %q: %w", d.ID, err)
	}

	logging.LogPerformance(ctx, logging.SubsystemDirectory, "open", time.Since(start), map[string]any{
		"directory": d.ID,
		"kind":      backend.Kind(),
	})
	return svc, nil
}

// Directory returns the service for id.
func (p *Provider) Directory(id string) (*directory.Service, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, directory.NewError("directory", directory.ErrorCategoryConfiguration, "provider is closed", nil)
	}
	svc, ok := p.services[id]
	if !ok {
		return nil, directory.NewError("directory", directory.ErrorCategoryConfiguration,
			fmt.Sprintf("no directory named %q", id), nil)
	}
	return svc, nil
}

func newLookup(l config.NamedLookup, svc *directory.Service) *lookup {
	if l.Statement != "" {
		return &lookup{statement: l.Statement, svc: svc}
	}
	set := make(map[string]struct{}, len(l.List))
	for _, v := range l.List {
		set[v] = struct{}{}
	}
	return &lookup{set: set}
}

// Lookup reports whether the named lookup, addressed as <directory>/<name>,
// contains value. Lists are matched exactly; statements run on the
// directory's backend.
func (p *Provider) Lookup(ctx context.Context, key, value string) (bool, error) {
	p.mu.RLock()
	closed := p.closed
	l, ok := p.lookups[key]
	p.mu.RUnlock()

	switch {
	case closed:
		return false, directory.NewError("lookup", directory.ErrorCategoryConfiguration, "provider is closed", nil)
	case !ok:
		return false, directory.NewError("lookup", directory.ErrorCategoryConfiguration,
			fmt.Sprintf("no lookup named %q", key), nil)
	case l.svc != nil:
		return l.svc.Query(ctx, l.statement, value)
	default:
		_, found := l.set[value]
		return found, nil
	}
}

// Lookups returns the registered lookup keys in sorted order.
func (p *Provider) Lookups() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.lookups))
}

// IDs returns the open directory ids in sorted order.
func (p *Provider) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.services))
	for id := range p.services {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats returns the statistics of every directory. It satisfies
// directory.StatsFunc.
func (p *Provider) Stats() []directory.Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make([]directory.Stats, 0, len(p.services))
	for _, svc := range p.services {
		stats = append(stats, svc.Stats())
	}
	slices.SortFunc(stats, func(a, b directory.Stats) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return stats
}

// Close closes every directory. It is safe to call more than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for id, svc := range p.services {
		if err := svc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("directory %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func openMemory(_ context.Context, d *config.Directory) (directory.Backend, error) {
	data, err := d.MemoryData()
	if err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "failed to load memory directory", err)
	}
	b, err := memory.New(*data)
	if err != nil {
		return nil, directory.NewError("open", directory.ErrorCategoryConfiguration, "invalid memory directory", err)
	}
	return b, nil
}

func openSQL(ctx context.Context, d *config.Directory) (directory.Backend, error) {
	cfg := d.SQL
	cfg.Pool = d.PoolConfig()
	b, err := sqlbackend.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func openLDAP(ctx context.Context, d *config.Directory) (directory.Backend, error) {
	cfg := d.LDAP
	cfg.Pool = d.PoolConfig()
	b, err := ldapbackend.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func openIMAP(ctx context.Context, d *config.Directory) (directory.Backend, error) {
	cfg := d.IMAP
	cfg.Pool = d.PoolConfig()
	b, err := imapbackend.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func openLMTP(ctx context.Context, d *config.Directory) (directory.Backend, error) {
	cfg := d.LMTP
	cfg.LMTP = d.Type == config.TypeLMTP
	cfg.Pool = d.PoolConfig()
	b, err := lmtpbackend.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}
