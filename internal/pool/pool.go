package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"gopkg.in/bsm/ratelimit.v1"

	"github.com/hostpool/go-hostpool/internal"
)

var ErrClosed = errors.New("hostpool: pool is closed")

// Builder establishes a new connection for key. It is the only pool
// operation that runs outside the pool lock: it performs the actual
// network/TLS handshake and may take arbitrarily long. A failed build must
// not leak a partially-open connection.
type Builder func(ctx context.Context, key string) (net.Conn, error)

type Options struct {
	Builder Builder

	// MaxOpen bounds the number of connections that are open or currently
	// being built, across all keys.
	// Default is 10.
	MaxOpen int

	// BuildTimeout is the deadline applied to each Builder call.
	// Default is 5 seconds; negative disables the deadline.
	BuildTimeout time.Duration

	// BuildRateLimit caps the number of builds per second. This also bounds
	// how fast a permanently failing builder is retried. Zero disables the
	// limiter.
	BuildRateLimit int

	// OnClose is called for every connection the pool closes.
	OnClose func(cn *Conn) error
}

func (opt *Options) init() {
	if opt.MaxOpen <= 0 {
		opt.MaxOpen = 10
	}
	if opt.BuildTimeout == 0 {
		opt.BuildTimeout = 5 * time.Second
	}
}

// Stats contains pool state information and accumulated stats.
type Stats struct {
	Hits        uint32 // number of times an idle connection was reused
	Misses      uint32 // number of times acquisition had to wait
	Evictions   uint32 // idle connections closed to make room for another key
	StaleConns  uint32 // idle connections found closed by the peer
	BuildErrors uint32 // builder invocations that failed

	TotalConns  uint32 // connections open or being built
	IdleConns   uint32 // connections sitting idle
	WaitingReqs uint32 // acquisitions parked on the wait list
}

// ConnPool hands out connections keyed by destination, bounded by MaxOpen.
// A single mutex guards the open count, the idle set, the wait list and the
// closed flag; connection builds run outside it and re-enter it to finish.
type ConnPool struct {
	opt     *Options
	limiter *ratelimit.RateLimiter

	mu        sync.Mutex
	openCount int
	idle      *idleList
	waiting   wantConnQueue

	_closed atomic.Bool // write-protected by mu

	stats struct {
		hits        atomic.Uint32
		misses      atomic.Uint32
		evictions   atomic.Uint32
		staleConns  atomic.Uint32
		buildErrors atomic.Uint32
	}
}

func NewConnPool(opt *Options) *ConnPool {
	opt.init()
	p := &ConnPool{
		opt:  opt,
		idle: newIdleList(),
	}
	if opt.BuildRateLimit > 0 {
		p.limiter = ratelimit.New(opt.BuildRateLimit, time.Second)
	}
	return p
}

func (p *ConnPool) closed() bool {
	return p._closed.Load()
}

// assertCount panics on an impossible open count. Breaching the bound is a
// programming error in the pool itself, never a recoverable condition.
func (p *ConnPool) assertCount() {
	if p.openCount < 0 || (!p.closed() && p.openCount > p.opt.MaxOpen) {
		panic(fmt.Sprintf("hostpool: openCount %d out of range [0, %d]",
			p.openCount, p.opt.MaxOpen))
	}
}

// Get returns an idle connection for key or waits for one. If capacity is
// available a build is started; otherwise the caller is parked until some
// connection is released. Waiters for the same key are served in arrival
// order. Get blocks until a connection is delivered, the pool is closed, or
// ctx is done.
func (p *ConnPool) Get(ctx context.Context, key string) (*Conn, error) {
	w, cn, err := p.getConn(ctx, key)
	if w == nil {
		return cn, err
	}

	select {
	case result := <-w.result:
		return result.cn, result.err
	case <-ctx.Done():
		if cn := w.cancel(); cn != nil {
			// A connection was delivered before the cancellation won the
			// race; hand it back instead of dropping it on the floor.
			p.Put(ctx, cn)
		}
		return nil, ctx.Err()
	}
}

// getConn is the synchronous half of Get. It either returns a connection
// (idle hit), an error (pool closed), or a parked waiter.
func (p *ConnPool) getConn(ctx context.Context, key string) (*wantConn, *Conn, error) {
	var stale []*Conn
	var evicted *Conn

	p.mu.Lock()
	if p.closed() {
		p.mu.Unlock()
		return nil, nil, ErrClosed
	}

	for {
		cn := p.idle.popKey(key)
		if cn == nil {
			break
		}
		if cn.IsOpen() {
			cn.SetUsedAt(time.Now())
			cn.handOut()
			p.assertCount()
			p.mu.Unlock()

			p.closeConns(ctx, stale)
			p.stats.hits.Inc()
			return nil, cn, nil
		}
		// The peer closed it while it sat idle. Drop it and rescan; this is
		// not an eviction, the slot is simply returned.
		p.openCount--
		stale = append(stale, cn)
	}

	if p.openCount == p.opt.MaxOpen && p.idle.len() > 0 {
		// At capacity with idle connections for other keys only: trade the
		// least-recently-idle one for room to serve this key.
		evicted = p.idle.popOldest()
		p.openCount--
	}

	w := newWantConn(ctx, key)
	p.waiting.enqueue(w)

	build := false
	if p.openCount < p.opt.MaxOpen {
		p.openCount++ // reserve the slot before the build starts
		build = true
	}
	p.assertCount()
	p.mu.Unlock()

	p.closeConns(ctx, stale)
	if evicted != nil {
		p.stats.evictions.Inc()
		internal.Debugf(ctx, "evicting idle conn %s (key %q) to make room for %q",
			evicted.ID(), evicted.Key(), key)
		p.closeConn(evicted)
	}
	p.stats.misses.Inc()
	if build {
		go p.build(key)
	}
	return w, nil, nil
}

// build runs the Builder for key outside the lock and feeds the result back
// into the pool. The caller must have reserved a slot in openCount.
func (p *ConnPool) build(key string) {
	for p.limiter != nil && p.limiter.Limit() {
		if p.closed() {
			p.buildFailed(context.Background(), key, ErrClosed)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	ctx := context.Background()
	if p.opt.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opt.BuildTimeout)
		defer cancel()
	}

	netConn, err := p.opt.Builder(ctx, key)
	if err != nil {
		p.buildFailed(ctx, key, err)
		return
	}
	p.putConn(context.Background(), NewConn(netConn, key))
}

// buildFailed gives the reserved slot back. The failure is not routed to
// the waiter that triggered the build; if anyone is still waiting, one
// replacement build is started for the head waiter's key.
func (p *ConnPool) buildFailed(ctx context.Context, key string, err error) {
	p.stats.buildErrors.Inc()
	internal.Warnf(ctx, "build for %q failed: %s", key, err)

	p.mu.Lock()
	p.openCount--
	next, build := "", false
	if !p.closed() {
		if headKey, ok := p.waiting.headKey(); ok {
			next = headKey
			p.openCount++
			build = true
		}
	}
	p.assertCount()
	p.mu.Unlock()

	if build {
		go p.build(next)
	}
}

// Put releases a connection back for reuse. Each connection handed out must
// be released exactly once, with either Put or Remove.
func (p *ConnPool) Put(ctx context.Context, cn *Conn) {
	if !cn.beginRelease() {
		internal.Errorf(ctx, "conn %s released twice", cn.ID())
		return
	}
	p.putConn(ctx, cn)
}

// putConn is shared by Put and by successful builds: a fresh connection is
// indistinguishable from a returned one.
func (p *ConnPool) putConn(ctx context.Context, cn *Conn) {
	for {
		p.mu.Lock()
		if p.closed() {
			// Late drain: the connection kept its slot across shutdown.
			p.openCount--
			p.assertCount()
			p.mu.Unlock()
			p.closeConn(cn)
			return
		}

		if !cn.IsOpen() {
			// Came back already closed. The slot is freed; if demand
			// remains, restore capacity toward the head waiter.
			p.openCount--
			next, build := "", false
			if headKey, ok := p.waiting.headKey(); ok {
				next = headKey
				p.openCount++
				build = true
			}
			p.assertCount()
			p.mu.Unlock()

			p.stats.staleConns.Inc()
			p.closeConn(cn)
			if build {
				go p.build(next)
			}
			return
		}

		w := p.waiting.popKey(cn.Key())
		if w == nil {
			cn.SetUsedAt(time.Now())
			p.idle.push(cn)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		// Deliver outside the lock so the receiver may re-enter the pool
		// immediately.
		cn.handOut()
		if w.tryDeliver(cn, nil) {
			return
		}
		// The waiter was canceled after it was dequeued; try the next one.
		cn.beginRelease()
	}
}

// Remove disposes of a connection instead of returning it: the slot is
// freed and the connection is closed. If anyone is still waiting, a
// replacement build is started for the head waiter's key.
func (p *ConnPool) Remove(ctx context.Context, cn *Conn, reason error) {
	if !cn.beginRelease() {
		internal.Errorf(ctx, "conn %s released twice", cn.ID())
		return
	}
	if reason != nil {
		internal.Debugf(ctx, "removing conn %s (key %q): %s", cn.ID(), cn.Key(), reason)
	}

	p.mu.Lock()
	p.openCount--
	next, build := "", false
	if !p.closed() {
		if headKey, ok := p.waiting.headKey(); ok {
			next = headKey
			p.openCount++
			build = true
		}
	}
	p.assertCount()
	p.mu.Unlock()

	p.closeConn(cn)
	if build {
		go p.build(next)
	}
}

// Len returns the number of connections open or being built.
func (p *ConnPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCount
}

// IdleLen returns the number of idle connections.
func (p *ConnPool) IdleLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.len()
}

// WaitingLen returns the number of parked acquisitions.
func (p *ConnPool) WaitingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting.len()
}

func (p *ConnPool) Stats() *Stats {
	p.mu.Lock()
	total := p.openCount
	idle := p.idle.len()
	waiting := p.waiting.len()
	p.mu.Unlock()

	return &Stats{
		Hits:        p.stats.hits.Load(),
		Misses:      p.stats.misses.Load(),
		Evictions:   p.stats.evictions.Load(),
		StaleConns:  p.stats.staleConns.Load(),
		BuildErrors: p.stats.buildErrors.Load(),

		TotalConns:  uint32(total),
		IdleConns:   uint32(idle),
		WaitingReqs: uint32(waiting),
	}
}

// Close shuts the pool down: idle connections are closed, pending waiters
// fail with ErrClosed, and no new builds are started. Connections currently
// held by callers are not touched; they drain when released. The transition
// is one-way.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	if p.closed() {
		p.mu.Unlock()
		return ErrClosed
	}
	p._closed.Store(true)
	idle := p.idle.drain()
	p.openCount -= len(idle)
	waiters := p.waiting.drain()
	p.assertCount()
	p.mu.Unlock()

	var firstErr error
	for _, cn := range idle {
		if err := p.closeConn(cn); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, w := range waiters {
		w.tryDeliver(nil, ErrClosed)
	}
	return firstErr
}

func (p *ConnPool) closeConn(cn *Conn) error {
	if p.opt.OnClose != nil {
		_ = p.opt.OnClose(cn)
	}
	return cn.Close()
}

func (p *ConnPool) closeConns(ctx context.Context, cns []*Conn) {
	for _, cn := range cns {
		p.stats.staleConns.Inc()
		internal.Debugf(ctx, "dropping stale idle conn %s (key %q)", cn.ID(), cn.Key())
		_ = p.closeConn(cn)
	}
}
