// Package pool implements the bounded connection pool of
// spec.md §4.G.2.
package pool

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Factory builds a fresh pooled connection.
type Factory func(ctx context.Context) (io.Closer, error)

// Pool maintains up to Size connections, gated by a weighted
// semaphore. Acquire pops the idle list if non-empty, otherwise builds
// a new connection via Factory; connections returned beyond the idle
// cap are closed and dropped.
type Pool struct {
	factory Factory
	size    int
	sem     *semaphore.Weighted

	mu    sync.Mutex
	idle  []io.Closer
	inUse int
}

// New constructs a Pool with room for size concurrent leases.
func New(factory Factory, size int) *Pool {
	return &Pool{
		factory: factory,
		size:    size,
		sem:     semaphore.NewWeighted(int64(size)),
	}
}

// Lease is a handle on a pooled connection that guarantees release
// back to the pool on Close, regardless of whether the caller's use
// of Conn succeeded.
type Lease struct {
	Conn io.Closer
	pool *Pool
}

// Acquire blocks until a slot is available (or ctx is done), then
// returns a Lease wrapping an idle connection or a freshly built one.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	var conn io.Closer
	if n := len(p.idle); n > 0 {
		conn = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.inUse++
	p.mu.Unlock()

	if conn != nil {
		return &Lease{Conn: conn, pool: p}, nil
	}

	conn, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, err
	}
	return &Lease{Conn: conn, pool: p}, nil
}

// Release returns the lease's connection to the idle list, or closes
// it outright if the idle list is already at capacity.
func (l *Lease) Release() {
	l.pool.mu.Lock()
	keep := len(l.pool.idle) < l.pool.size
	if keep {
		l.pool.idle = append(l.pool.idle, l.Conn)
	}
	l.pool.inUse--
	l.pool.mu.Unlock()

	if !keep {
		_ = l.Conn.Close()
	}
	l.pool.sem.Release(1)
}

// Snapshot reports the pool's current size/idle/in-use counts.
type Snapshot struct {
	Size  int
	Idle  int
	InUse int
}

// Snapshot returns the pool's current status.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{Size: p.size, Idle: len(p.idle), InUse: p.inUse}
}

// Close closes every idle connection. In-flight leases are unaffected;
// Close does not mark the pool closed, so a lease released after Close
// goes back to the idle list and its connection stays open.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		_ = c.Close()
	}
	p.idle = nil
	return nil
}
