// Package pool implements the per-database connection pool
// and the process-wide pool registry: a bounded set of
// authenticated, idle backend connections per database alias, checked out
// for the duration of one transaction and returned only once a
// ReadyForQuery('I') has been observed.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tusqdb/tusq/internal/config"
)

const (
	defaultIdleTimeout    = 30 * time.Minute
	defaultMaxLifetime    = 2 * time.Hour
	defaultAcquireTimeout = 30 * time.Second
	defaultDialTimeout    = 10 * time.Second
	reapInterval          = 30 * time.Second
)

// Stats is a point-in-time snapshot of one database alias's pool.
type Stats struct {
	Alias     string `json:"alias"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// OnExhausted is invoked every time Checkout must wait because the pool is
// at max size with no idle connection available.
type OnExhausted func(alias string)

// DBPool is a bounded pool of authenticated connections for one database
// alias.
type DBPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	alias    string
	host     string
	port     string
	dbname   string
	user     string
	password string

	minConns       int
	maxConns       int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	acquireTimeout time.Duration
	dialTimeout    time.Duration

	idle    []*Entry
	active  map[*Entry]struct{}
	total   int
	waiting int

	exhaustedCount int64
	closed         bool
	stopCh         chan struct{}
	onExhausted    OnExhausted
}

// New constructs a pool for one database alias from its configuration.
func New(alias string, db config.DatabaseConfig) *DBPool {
	p := &DBPool{
		alias:          alias,
		host:           db.Host,
		port:           db.Port,
		dbname:         db.DBName,
		user:           db.User,
		password:       db.Password,
		minConns:       db.MinPoolSize,
		maxConns:       db.PoolSize,
		idleTimeout:    defaultIdleTimeout,
		maxLifetime:    defaultMaxLifetime,
		acquireTimeout: defaultAcquireTimeout,
		dialTimeout:    defaultDialTimeout,
		idle:           make([]*Entry, 0),
		active:         make(map[*Entry]struct{}),
		stopCh:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()
	if p.minConns > 0 {
		go p.warmUp()
	}
	return p
}

func (p *DBPool) warmUp() {
	for i := 0; i < p.minConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.minConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		e, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up failed", "alias", p.alias, "index", i+1, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			e.Close()
			return
		}
		e.markIdle()
		p.idle = append(p.idle, e)
		p.mu.Unlock()
	}
	slog.Info("pool warmed up", "alias", p.alias, "count", p.minConns)
}

// Checkout blocks until a connection is available or a new one can be
// dialed under the max-size bound. Before handing out an idle
// connection it runs IsValid; a failing probe retires that connection and
// tries the next.
func (p *DBPool) Checkout(ctx context.Context) (*Entry, error) {
	deadlineAt := time.Now().Add(p.acquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
		deadlineAt = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closed for database %q", p.alias)
		}

		for len(p.idle) > 0 {
			e := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if e.isExpired(p.maxLifetime) {
				e.Close()
				p.total--
				continue
			}

			p.mu.Unlock()
			valid, err := e.IsValid()
			p.mu.Lock()
			if err != nil || !valid {
				e.Close()
				p.total--
				continue
			}

			e.markActive()
			p.active[e] = struct{}{}
			p.mu.Unlock()
			return e, nil
		}

		if p.total < p.maxConns {
			p.total++
			p.mu.Unlock()

			e, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("connecting to %s:%s for database %q: %w", p.host, p.port, p.alias, err)
			}

			e.markActive()
			p.mu.Lock()
			p.active[e] = struct{}{}
			p.mu.Unlock()
			return e, nil
		}

		p.waiting++
		p.exhaustedCount++
		cb := p.onExhausted
		p.mu.Unlock()
		if cb != nil {
			cb(p.alias)
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for database %q: pool exhausted", p.acquireTimeout, p.alias)
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closing for database %q", p.alias)
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for database %q: pool exhausted", p.acquireTimeout, p.alias)
		}
	}
}

// Return releases e back to the pool. A connection whose
// Broken or InTransaction flag is still set is retired instead of
// reinserted — InTransaction true at return time means the client
// released the server mid-transaction or mid-error.
func (p *DBPool) Return(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, e)

	if p.closed || e.Broken || e.InTransaction || e.isExpired(p.maxLifetime) {
		e.Close()
		p.total--
		p.cond.Signal()
		return
	}

	e.markIdle()
	p.idle = append(p.idle, e)
	p.cond.Signal()
}

// Stats returns a snapshot of the pool's occupancy.
func (p *DBPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Alias:     p.alias,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.maxConns,
		MinConns:  p.minConns,
		Exhausted: p.exhaustedCount,
	}
}

// Drain closes idle connections and waits (bounded) for active ones to be
// returned.
func (p *DBPool) Drain() {
	p.mu.Lock()
	for _, e := range p.idle {
		e.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	slog.Info("draining active connections", "alias", p.alias, "count", activeCount)
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for e := range p.active {
				e.Close()
				p.total--
			}
			p.active = make(map[*Entry]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed active connections after drain timeout", "alias", p.alias)
			return
		}
	}
}

// Close shuts the pool down: wakes any blocked Checkout callers and drains
// every connection.
func (p *DBPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain()
}

func (p *DBPool) dial(ctx context.Context) (*Entry, error) {
	addr := net.JoinHostPort(p.host, p.port)
	dialer := net.Dialer{Timeout: p.dialTimeout, KeepAlive: 30 * time.Second}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	e := newEntry(c, p.alias, p)
	if err := p.authenticate(e); err != nil {
		e.Close()
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	return e, nil
}

func (p *DBPool) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *DBPool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.idle[:0]
	for _, e := range p.idle {
		overMin := p.total > p.minConns
		stale := e.isExpired(p.maxLifetime) || (p.idleTimeout > 0 && time.Since(e.lastUsed) > p.idleTimeout)
		if overMin && stale {
			e.Close()
			p.total--
			continue
		}
		kept = append(kept, e)
	}
	p.idle = kept
}
