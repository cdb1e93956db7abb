// Package hostpool manages reusable network connections for an HTTP client.
// Connections are keyed by destination (scheme + authority); the pool bounds
// how many are open at once, reuses idle connections, builds new ones
// asynchronously and unwinds cleanly on shutdown.
package hostpool

import (
	"context"

	"github.com/hostpool/go-hostpool/internal"
	"github.com/hostpool/go-hostpool/internal/pool"
)

type (
	// Conn is a pooled connection. Callers own it between Get and Release.
	Conn = pool.Conn

	// Builder establishes a new connection for a key. It must not leak a
	// partially-open connection on failure.
	Builder = pool.Builder

	Stats = pool.Stats

	Logging = internal.Logging
)

// ErrClosed is returned by Get after the pool has been shut down.
var ErrClosed = pool.ErrClosed

// SetLogger replaces the logger the pool reports through.
func SetLogger(logger Logging) {
	internal.Logger = logger
}

// Pool is the connection manager as seen by the HTTP client layer.
type Pool struct {
	connPool *pool.ConnPool
}

func New(opt *Options) *Pool {
	opt.init()
	return &Pool{
		connPool: pool.NewConnPool(&pool.Options{
			Builder:        opt.Builder,
			MaxOpen:        opt.MaxOpen,
			BuildTimeout:   opt.BuildTimeout,
			BuildRateLimit: opt.BuildRateLimit,
			OnClose:        opt.OnClose,
		}),
	}
}

// Get returns a connection for key, reusing an idle one when possible. When
// none is available it waits for a build or for another caller's release;
// waiters for the same key are served in arrival order. Pass a context with
// a deadline to bound the wait.
func (p *Pool) Get(ctx context.Context, key string) (*Conn, error) {
	return p.connPool.Get(ctx, key)
}

// Release returns a connection after use. With keepAlive the connection
// becomes available for reuse; without it the connection is closed and its
// capacity freed. Each connection must be released exactly once.
func (p *Pool) Release(ctx context.Context, cn *Conn, keepAlive bool) {
	if keepAlive {
		p.connPool.Put(ctx, cn)
	} else {
		p.connPool.Remove(ctx, cn, nil)
	}
}

// Remove is like Release without keepAlive, recording why the connection
// was discarded.
func (p *Pool) Remove(ctx context.Context, cn *Conn, reason error) {
	p.connPool.Remove(ctx, cn, reason)
}

// Close shuts the pool down: idle connections are closed and pending
// waiters fail with ErrClosed. Connections currently held drain as they are
// released.
func (p *Pool) Close() error {
	return p.connPool.Close()
}

// Len returns the number of connections open or being built.
func (p *Pool) Len() int { return p.connPool.Len() }

// IdleLen returns the number of idle connections.
func (p *Pool) IdleLen() int { return p.connPool.IdleLen() }

// WaitingLen returns the number of parked acquisitions.
func (p *Pool) WaitingLen() int { return p.connPool.WaitingLen() }

func (p *Pool) Stats() *Stats { return p.connPool.Stats() }
