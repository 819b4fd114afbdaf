package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openfinch/mail-server/internal/logging"
)

// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
const MaxConnectionPoolLimit = 100

var (
	// ErrClosed is returned by Acquire once the pool has been closed.
	ErrClosed = errors.New("pool: closed")
	// ErrExhausted is returned when no connection became available within the acquire timeout.
	ErrExhausted = errors.New("pool: exhausted")
	// ErrConnectTimeout is returned when establishing a new connection exceeded the connect timeout.
	ErrConnectTimeout = errors.New("pool: connect timeout")
)

// Manager creates, checks and destroys the raw connections held by a Pool.
type Manager[C any] interface {
	// Connect establishes a new connection. ctx carries the connect timeout.
	Connect(ctx context.Context) (C, error)
	// Validate reports an error when conn can no longer be used.
	Validate(ctx context.Context, conn C) error
	// Close releases the resources held by conn.
	Close(conn C) error
}

// Config holds configuration for a connection pool.
type Config struct {
	Name              string        // Used in log fields
	MaxConnections    int           // Hard cap on live connections
	MinConnections    int           // Warm floor maintained by the replenishment pass
	MaxLifetime       time.Duration // Connections older than this are retired
	IdleTimeout       time.Duration // Connections idle longer than this are retired
	ConnectTimeout    time.Duration // Bound on Manager.Connect
	AcquireTimeout    time.Duration // Bound on waiting for a free connection
	ReplenishInterval time.Duration // Background pass interval, 0 disables it
	ConnectRate       float64       // New connections per second, 0 means unlimited
	ValidateOnAcquire bool          // Call Manager.Validate before handing out idle connections

	// IsBroken classifies errors returned by With; matching errors retire the connection.
	IsBroken func(error) bool
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    10,
		MaxLifetime:       30 * time.Minute,
		IdleTimeout:       10 * time.Minute,
		ConnectTimeout:    30 * time.Second,
		AcquireTimeout:    30 * time.Second,
		ReplenishInterval: 30 * time.Second,
		ValidateOnAcquire: true,
	}
}

// State of a pooled connection.
type State int

const (
	StateIdle State = iota
	StateInUse
	StateBroken
)

// String returns string representation of the connection state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// entry is a live connection owned by the pool.
type entry[C any] struct {
	value     C
	createdAt time.Time
	lastUsed  time.Time
	state     State
}

// Conn is a lease on a pooled connection. Every Acquire returns a new
// lease, so releasing a lease never affects a later holder of the same
// connection.
type Conn[C any] struct {
	entry    *entry[C]
	pool     *Pool[C]
	broken   atomic.Bool
	released atomic.Bool
}

// Value returns the underlying connection.
func (c *Conn[C]) Value() C {
	return c.entry.value
}

// MarkBroken retires the connection on release.
func (c *Conn[C]) MarkBroken() {
	c.broken.Store(true)
}

// State returns the state of the lease.
func (c *Conn[C]) State() State {
	switch {
	case c.broken.Load():
		return StateBroken
	case c.released.Load():
		return StateIdle
	default:
		return StateInUse
	}
}

// CreatedAt returns when the connection was established.
func (c *Conn[C]) CreatedAt() time.Time {
	return c.entry.createdAt
}

// Release returns the connection to its pool. Extra calls are no-ops.
func (c *Conn[C]) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.pool.put(c.entry, c.broken.Load())
}

// Stats provides statistics about the connection pool.
type Stats struct {
	Live      int           // Connections holding a slot (idle + in use)
	InUse     int64         // Connections handed out
	Idle      int           // Connections waiting in the pool
	Created   int64         // Total connections created
	Discarded int64         // Total connections retired
	Errors    int64         // Total connection errors
	Timeouts  int64         // Acquisitions that gave up
	Waits     int64         // Acquisitions that had to block
	Uptime    time.Duration // Pool uptime
}

// Pool is a bounded set of live connections to one backend instance.
type Pool[C any] struct {
	logCtx  context.Context
	cfg     Config
	mgr     Manager[C]
	idle    chan *entry[C]
	slots   chan struct{}
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	inUse     atomic.Int64
	created   atomic.Int64
	discarded atomic.Int64
	errs      atomic.Int64
	timeouts  atomic.Int64
	waits     atomic.Int64
	startTime time.Time
}

// New creates a pool and starts its replenishment pass when configured.
// ctx is retained for logging only.
func New[C any](ctx context.Context, cfg Config, mgr Manager[C]) (*Pool[C], error) {
	if mgr == nil {
		return nil, errors.New("pool: manager is required")
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Pool[C]{
		logCtx:    ctx,
		cfg:       cfg,
		mgr:       mgr,
		idle:      make(chan *entry[C], cfg.MaxConnections),
		slots:     make(chan struct{}, cfg.MaxConnections),
		now:       time.Now,
		done:      make(chan struct{}),
		startTime: time.Now(),
	}

	if cfg.ConnectRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), max(1, cfg.MinConnections))
	}

	if cfg.ReplenishInterval > 0 {
		p.startReplenisher()
	}

	logging.LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"pool":            cfg.Name,
		"max_connections": cfg.MaxConnections,
		"min_connections": cfg.MinConnections,
		"max_lifetime":    cfg.MaxLifetime.String(),
		"idle_timeout":    cfg.IdleTimeout.String(),
	})

	return p, nil
}

// Acquire hands out an idle connection, creates a new one while below
// MaxConnections, or blocks until one is released or AcquireTimeout elapses.
func (p *Pool[C]) Acquire(ctx context.Context) (*Conn[C], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	parent := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	waited := false
	for {
		select {
		case e := <-p.idle:
			if p.checkout(ctx, e) {
				return p.lease(e), nil
			}
			continue
		default:
		}

		select {
		case p.slots <- struct{}{}:
			return p.leaseNew(parent)
		default:
		}

		if !waited {
			waited = true
			p.waits.Add(1)
			logging.LogPoolEvent(p.logCtx, "pool_waiting", map[string]any{
				"pool":   p.cfg.Name,
				"in_use": p.inUse.Load(),
			})
		}

		select {
		case e := <-p.idle:
			if p.checkout(ctx, e) {
				return p.lease(e), nil
			}
		case p.slots <- struct{}{}:
			return p.leaseNew(parent)
		case <-p.done:
			return nil, ErrClosed
		case <-ctx.Done():
			p.timeouts.Add(1)
			logging.LogPoolEvent(p.logCtx, "pool_exhausted", map[string]any{
				"pool":            p.cfg.Name,
				"in_use":          p.inUse.Load(),
				"acquire_timeout": p.cfg.AcquireTimeout.String(),
			})
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: no connection within %s", ErrExhausted, p.cfg.AcquireTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

// With runs fn on a leased connection and always releases it, including
// when ctx is cancelled. Connections whose call failed with an error
// classified by Config.IsBroken, or whose ctx ended mid-call, are retired.
func (p *Pool[C]) With(ctx context.Context, fn func(C) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	err = fn(conn.Value())
	if err != nil && p.cfg.IsBroken != nil && p.cfg.IsBroken(err) {
		conn.MarkBroken()
	}
	if ctx.Err() != nil {
		conn.MarkBroken()
	}
	return err
}

// checkout prepares an idle connection for use, retiring it if expired or invalid.
func (p *Pool[C]) checkout(ctx context.Context, e *entry[C]) bool {
	if p.expired(e) {
		p.discard(e, "expired")
		return false
	}

	if p.cfg.ValidateOnAcquire {
		if err := p.mgr.Validate(ctx, e.value); err != nil {
			p.discard(e, "validation_failed")
			return false
		}
	}

	e.state = StateInUse
	e.lastUsed = p.now()
	p.inUse.Add(1)
	return true
}

func (p *Pool[C]) lease(e *entry[C]) *Conn[C] {
	return &Conn[C]{entry: e, pool: p}
}

func (p *Pool[C]) leaseNew(ctx context.Context) (*Conn[C], error) {
	e, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	return p.lease(e), nil
}

// open creates a connection for a slot the caller already reserved.
func (p *Pool[C]) open(ctx context.Context) (*entry[C], error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			<-p.slots
			return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
	}

	connectCtx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}

	start := time.Now()
	value, err := p.mgr.Connect(connectCtx)
	if err != nil {
		<-p.slots
		p.errs.Add(1)
		logging.LogPoolEvent(p.logCtx, "connection_failed", map[string]any{
			"pool":        p.cfg.Name,
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if ctx.Err() == nil && errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrConnectTimeout, p.cfg.ConnectTimeout, err)
		}
		return nil, err
	}

	now := p.now()
	e := &entry[C]{
		value:     value,
		createdAt: now,
		lastUsed:  now,
		state:     StateInUse,
	}
	p.created.Add(1)
	p.inUse.Add(1)

	logging.LogPoolEvent(p.logCtx, "connection_created", map[string]any{
		"pool":        p.cfg.Name,
		"live":        len(p.slots),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return e, nil
}

// put returns a released connection to the idle set or retires it.
func (p *Pool[C]) put(e *entry[C], broken bool) {
	p.inUse.Add(-1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || broken || p.expired(e) {
		p.discard(e, "released_unusable")
		return
	}

	e.state = StateIdle
	e.lastUsed = p.now()

	select {
	case p.idle <- e:
	default:
		p.discard(e, "idle_full")
	}
}

// expired reports whether e exceeded its lifetime or idle timeout.
func (p *Pool[C]) expired(e *entry[C]) bool {
	now := p.now()
	if p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) > p.cfg.MaxLifetime {
		return true
	}
	if p.cfg.IdleTimeout > 0 && e.state == StateIdle && now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
		return true
	}
	return false
}

// discard closes e and frees its slot.
func (p *Pool[C]) discard(e *entry[C], reason string) {
	e.state = StateBroken
	if err := p.mgr.Close(e.value); err != nil {
		p.errs.Add(1)
	}
	p.discarded.Add(1)
	<-p.slots

	logging.LogPoolEvent(p.logCtx, "connection_retired", map[string]any{
		"pool":   p.cfg.Name,
		"reason": reason,
		"age_ms": p.now().Sub(e.createdAt).Milliseconds(),
	})
}

// Replenish retires expired idle connections and tops the pool up to MinConnections.
func (p *Pool[C]) Replenish(ctx context.Context) error {
	if p.isClosed() {
		return ErrClosed
	}

	// Reap: every connection currently idle is inspected once.
	for range len(p.idle) {
		select {
		case e := <-p.idle:
			if p.expired(e) {
				p.discard(e, "expired")
				continue
			}
			select {
			case p.idle <- e:
			default:
				p.discard(e, "idle_full")
			}
		default:
		}
	}

	need := p.cfg.MinConnections - len(p.slots)
	if need <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for range need {
		select {
		case p.slots <- struct{}{}:
		default:
			continue
		}
		g.Go(func() error {
			e, err := p.open(gctx)
			if err != nil {
				return err
			}
			p.put(e, false)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logging.LogPoolEvent(p.logCtx, "replenish_failed", map[string]any{
			"pool":  p.cfg.Name,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// startReplenisher starts the periodic replenishment pass.
func (p *Pool[C]) startReplenisher() {
	ticker := time.NewTicker(p.cfg.ReplenishInterval)

	p.wg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReplenishInterval)
				_ = p.Replenish(ctx)
				cancel()
			case <-p.done:
				return
			}
		}
	})
}

// Close retires every idle connection and stops the replenishment pass.
// Connections still in use are retired when released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	for {
		select {
		case e := <-p.idle:
			p.discard(e, "pool_closed")
		default:
			logging.LogPoolEvent(p.logCtx, "pool_closed", map[string]any{
				"pool":    p.cfg.Name,
				"created": p.created.Load(),
			})
			return nil
		}
	}
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() Stats {
	return Stats{
		Live:      len(p.slots),
		InUse:     p.inUse.Load(),
		Idle:      len(p.idle),
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
		Errors:    p.errs.Load(),
		Timeouts:  p.timeouts.Load(),
		Waits:     p.waits.Load(),
		Uptime:    time.Since(p.startTime),
	}
}

func (p *Pool[C]) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// validateConfig validates the pool configuration.
func validateConfig(cfg Config) error {
	if cfg.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if cfg.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if cfg.MinConnections < 0 {
		return errors.New("MinConnections cannot be negative")
	}

	if cfg.MinConnections > cfg.MaxConnections {
		return errors.New("MinConnections cannot exceed MaxConnections")
	}

	if cfg.MaxLifetime < 0 || cfg.IdleTimeout < 0 {
		return errors.New("lifetimes cannot be negative")
	}

	if cfg.ConnectTimeout <= 0 {
		return errors.New("ConnectTimeout must be positive")
	}

	if cfg.ConnectRate < 0 {
		return errors.New("ConnectRate cannot be negative")
	}

	return nil
}
