// Package pool implements a keyed pool of authenticated sessions.
//
// A Pool holds at most MaxPerKey connections per key. Acquire hands out an
// idle connection or dials a new one while the key is below its cap, and
// fails with ErrExhausted otherwise; callers never queue. A connection is
// used by one lease at a time. Release returns it to the pool, Discard
// closes it. A background sweep closes connections that stayed idle longer
// than IdleTimeout and never touches one that is in use.
//
//	p := pool.New(pool.Config{Name: "sftp", MaxPerKey: 5, IdleTimeout: time.Minute},
//	    func(ctx context.Context, auth vfskit.Authority) (*session, error) { ... })
//	defer p.Close()
//
//	lease, err := p.Acquire(ctx, auth)
//	if err != nil { ... }
//	err = use(lease.Conn())
//	lease.Finish(err)
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobeaver/vfskit/internal/metrics"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrExhausted is returned by Acquire when every connection of a key is
	// in use and the key is at its cap.
	ErrExhausted = errors.Base("connection pool exhausted")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.Base("connection pool closed")
)

// Conn is a pooled session.
type Conn interface {
	Close() error
}

// DialFunc creates and authenticates a connection for key.
type DialFunc[K comparable, C Conn] func(ctx context.Context, key K) (C, error)

// ValidateFunc checks that an idle connection is still usable before it is
// handed out, for instance with a NOOP. An error discards the connection.
type ValidateFunc[C Conn] func(ctx context.Context, c C) error

// Config bounds a pool.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// MaxPerKey caps the connections of one key, in use or idle.
	MaxPerKey int
	// IdleTimeout is how long a released connection may stay unused.
	IdleTimeout time.Duration
	// SweepInterval is the period of the idle sweep. Zero disables the
	// background sweeper; Sweep can still be called directly.
	SweepInterval time.Duration
	// KeepAlive is the idle time after which a connection is validated
	// before reuse. Zero disables validation.
	KeepAlive time.Duration
}

// DefaultConfig returns the pool bounds used by the remote providers.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		MaxPerKey:     5,
		IdleTimeout:   60 * time.Second,
		SweepInterval: 60 * time.Second,
		KeepAlive:     30 * time.Second,
	}
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *zerolog.Logger
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger used by the background sweeper.
func WithLogger(logger *zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

type entry[C Conn] struct {
	conn         C
	inUse        bool
	dialing      bool
	lastActivity time.Time
}

// Pool is a keyed connection pool. It is safe for concurrent use.
type Pool[K comparable, C Conn] struct {
	mu       sync.Mutex
	cfg      Config
	dial     DialFunc[K, C]
	validate ValidateFunc[C]
	poisoned func(error) bool
	entries  map[K][]*entry[C]
	now      func() time.Time
	logger   *zerolog.Logger
	closed   bool

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a pool and starts its sweeper.
func New[K comparable, C Conn](cfg Config, dial DialFunc[K, C], opts ...Option) *Pool[K, C] {
	o := options{now: time.Now, logger: zerolog.Ctx(context.Background())}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.MaxPerKey <= 0 {
		cfg.MaxPerKey = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	p := &Pool[K, C]{
		cfg:      cfg,
		dial:     dial,
		poisoned: func(error) bool { return false },
		entries:  make(map[K][]*entry[C]),
		now:      o.now,
		logger:   o.logger,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go p.sweepLoop()
	} else {
		close(p.stopped)
	}
	return p
}

// SetValidator installs the keep-alive check. Call before first use.
func (p *Pool[K, C]) SetValidator(fn ValidateFunc[C]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validate = fn
}

// SetPoisonClassifier installs the function Lease.Finish uses to decide
// whether an operation error leaves the session unusable. Call before first
// use.
func (p *Pool[K, C]) SetPoisonClassifier(fn func(error) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.poisoned = fn
}

// Config returns the pool bounds.
func (p *Pool[K, C]) Config() Config { return p.cfg }

// Acquire returns an exclusive lease on a connection for key.
func (p *Pool[K, C]) Acquire(ctx context.Context, key K) (*Lease[K, C], error) {
	logger := zerolog.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		list := p.entries[key]
		if e := firstIdle(list); e != nil {
			e.inUse = true
			check := p.validate != nil && p.cfg.KeepAlive > 0 && p.now().Sub(e.lastActivity) >= p.cfg.KeepAlive
			validate := p.validate
			p.publishLocked()
			p.mu.Unlock()

			if check {
				if err := validate(ctx, e.conn); err != nil {
					logger.Debug().Err(err).Str("pool", p.cfg.Name).Str("key", fmt.Sprint(key)).Msg("stale connection discarded")
					p.remove(key, e, "stale")
					continue
				}
			}
			return &Lease[K, C]{pool: p, key: key, entry: e}, nil
		}

		if len(list) >= p.cfg.MaxPerKey {
			n := len(list)
			p.mu.Unlock()
			metrics.RecordExhausted(p.cfg.Name)
			return nil, errors.Errorf("%w: %v has %d connections in use", ErrExhausted, key, n)
		}

		// Reserve the slot so concurrent acquirers see it while we dial.
		e := &entry[C]{inUse: true, dialing: true}
		p.entries[key] = append(list, e)
		p.mu.Unlock()

		conn, err := p.dial(ctx, key)
		metrics.RecordDial(p.cfg.Name, err == nil)

		p.mu.Lock()
		if err != nil {
			p.removeLocked(key, e)
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.removeLocked(key, e)
			p.mu.Unlock()
			_ = conn.Close()
			return nil, ErrClosed
		}
		e.conn = conn
		e.dialing = false
		e.lastActivity = p.now()
		p.publishLocked()
		p.mu.Unlock()

		logger.Debug().Str("pool", p.cfg.Name).Str("key", fmt.Sprint(key)).Msg("connection opened")
		return &Lease[K, C]{pool: p, key: key, entry: e}, nil
	}
}

func firstIdle[C Conn](list []*entry[C]) *entry[C] {
	for _, e := range list {
		if !e.inUse && !e.dialing {
			return e
		}
	}
	return nil
}

func (p *Pool[K, C]) release(key K, e *entry[C]) {
	p.mu.Lock()
	if p.closed {
		p.removeLocked(key, e)
		p.mu.Unlock()
		_ = e.conn.Close()
		metrics.RecordEviction(p.cfg.Name, "closed")
		return
	}
	e.inUse = false
	e.lastActivity = p.now()
	p.publishLocked()
	p.mu.Unlock()
}

// remove drops e from the pool and closes its connection.
func (p *Pool[K, C]) remove(key K, e *entry[C], reason string) {
	p.mu.Lock()
	p.removeLocked(key, e)
	p.mu.Unlock()

	if err := e.conn.Close(); err != nil {
		p.logger.Debug().Err(err).Str("pool", p.cfg.Name).Msg("close connection")
	}
	metrics.RecordEviction(p.cfg.Name, reason)
}

// removeLocked must be called with p.mu held.
func (p *Pool[K, C]) removeLocked(key K, e *entry[C]) {
	list := p.entries[key]
	for i, x := range list {
		if x == e {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.entries, key)
	} else {
		p.entries[key] = list
	}
	p.publishLocked()
}

// Sweep closes connections that are idle for longer than IdleTimeout and
// returns how many were closed.
func (p *Pool[K, C]) Sweep() int {
	now := p.now()

	p.mu.Lock()
	var victims []C
	for key, list := range p.entries {
		kept := make([]*entry[C], 0, len(list))
		for _, e := range list {
			if !e.inUse && !e.dialing && now.Sub(e.lastActivity) > p.cfg.IdleTimeout {
				victims = append(victims, e.conn)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.entries, key)
		} else {
			p.entries[key] = kept
		}
	}
	p.publishLocked()
	p.mu.Unlock()

	p.closeAll(victims, "idle")
	return len(victims)
}

func (p *Pool[K, C]) closeAll(conns []C, reason string) {
	if len(conns) == 0 {
		return
	}
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			metrics.RecordEviction(p.cfg.Name, reason)
			return c.Close()
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn().Err(err).Str("pool", p.cfg.Name).Msg("closing pooled connection")
	}
	p.logger.Debug().Str("pool", p.cfg.Name).Int("count", len(conns)).Str("reason", reason).Msg("connections closed")
}

func (p *Pool[K, C]) sweepLoop() {
	defer close(p.stopped)

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Stats describes the connections of a pool or of one key.
type Stats struct {
	Keys    int
	Total   int
	InUse   int
	Idle    int
	Dialing int
}

// Stats returns counts over all keys.
func (p *Pool[K, C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// KeyStats returns counts for key.
func (p *Pool[K, C]) KeyStats(key K) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	if list, ok := p.entries[key]; ok {
		s.Keys = 1
		count(&s, list)
	}
	return s
}

func (p *Pool[K, C]) statsLocked() Stats {
	s := Stats{Keys: len(p.entries)}
	for _, list := range p.entries {
		count(&s, list)
	}
	return s
}

func count[C Conn](s *Stats, list []*entry[C]) {
	for _, e := range list {
		s.Total++
		switch {
		case e.dialing:
			s.Dialing++
		case e.inUse:
			s.InUse++
		default:
			s.Idle++
		}
	}
}

func (p *Pool[K, C]) publishLocked() {
	s := p.statsLocked()
	metrics.SetPoolConnections(p.cfg.Name, s.Idle, s.InUse+s.Dialing)
}

// Close stops the sweeper and closes idle connections. Leased connections
// are closed when they are released.
func (p *Pool[K, C]) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.stopped

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []C
	for key, list := range p.entries {
		kept := list[:0:0]
		for _, e := range list {
			if e.inUse || e.dialing {
				kept = append(kept, e)
				continue
			}
			idle = append(idle, e.conn)
		}
		if len(kept) == 0 {
			delete(p.entries, key)
		} else {
			p.entries[key] = kept
		}
	}
	p.publishLocked()
	p.mu.Unlock()

	p.closeAll(idle, "closed")
	return nil
}

// Lease is exclusive access to one pooled connection. Exactly one of
// Release, Discard or Finish must be called.
type Lease[K comparable, C Conn] struct {
	pool  *Pool[K, C]
	key   K
	entry *entry[C]
	once  sync.Once
}

// Conn returns the leased connection.
func (l *Lease[K, C]) Conn() C { return l.entry.conn }

// Key returns the key the connection belongs to.
func (l *Lease[K, C]) Key() K { return l.key }

// Release returns the connection to the pool.
func (l *Lease[K, C]) Release() {
	l.once.Do(func() { l.pool.release(l.key, l.entry) })
}

// Discard closes the connection instead of pooling it.
func (l *Lease[K, C]) Discard() {
	l.once.Do(func() { l.pool.remove(l.key, l.entry, "discarded") })
}

// Finish releases the connection, or discards it when err is one the pool's
// poison classifier says leaves the session unusable.
func (l *Lease[K, C]) Finish(err error) {
	if err != nil && l.pool.isPoisoned(err) {
		l.Discard()
		return
	}
	l.Release()
}

func (p *Pool[K, C]) isPoisoned(err error) bool {
	p.mu.Lock()
	fn := p.poisoned
	p.mu.Unlock()
	return fn(err)
}
