package pool

import (
	"net"
	"sync"
	"time"

	"github.com/tusqdb/tusq/internal/conn"
)

type entryState int

const (
	stateIdle entryState = iota
	stateActive
	stateClosed
)

// Entry is one pooled, authenticated backend connection for a single
// database alias. It embeds the framed connection so a session holding a
// checked-out Entry can call ReadAndParse/WriteAll directly.
type Entry struct {
	*conn.Framed

	mu        sync.Mutex
	state     entryState
	createdAt time.Time
	lastUsed  time.Time
	alias     string
	pool      *DBPool
}

func newEntry(c net.Conn, alias string, p *DBPool) *Entry {
	now := time.Now()
	return &Entry{
		Framed:    conn.New(c),
		state:     stateIdle,
		createdAt: now,
		lastUsed:  now,
		alias:     alias,
		pool:      p,
	}
}

func (e *Entry) markActive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateActive
	e.lastUsed = time.Now()
}

func (e *Entry) markIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateIdle
	e.lastUsed = time.Now()
}

func (e *Entry) isExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(e.createdAt) > maxLifetime
}

// Close closes the underlying connection and marks the entry closed.
func (e *Entry) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateClosed
	return e.Framed.Close()
}

// Return releases this entry back to its owning pool. Per the
// checkout/return contract, the pool retires the connection instead of
// reinserting it if Broken or InTransaction is still set.
func (e *Entry) Return() {
	if e.pool != nil {
		e.pool.Return(e)
	}
}
