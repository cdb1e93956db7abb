package hostpool

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"golang.org/x/sync/errgroup"
)

type RingOptions struct {
	// Shards is the number of independent pools the keyspace is spread
	// over. Each shard has its own lock, capacity and wait list.
	// Default is 4.
	Shards int

	// MaxOpenPerShard bounds each shard's connections.
	// Default is 10.
	MaxOpenPerShard int

	Builder        Builder
	BuildTimeout   time.Duration
	BuildRateLimit int
	OnClose        func(cn *Conn) error
}

func (opt *RingOptions) init() {
	if opt.Shards <= 0 {
		opt.Shards = 4
	}
}

// Ring spreads keys across several independent pools using rendezvous
// hashing, so heavily concurrent clients do not serialize on one lock. The
// same key always routes to the same shard, which keeps per-key ordering
// guarantees intact. It is safe for concurrent use.
type Ring struct {
	shards map[string]*Pool
	hash   *rendezvous.Rendezvous
}

func NewRing(opt *RingOptions) *Ring {
	opt.init()

	names := make([]string, opt.Shards)
	shards := make(map[string]*Pool, opt.Shards)
	for i := range names {
		name := "shard" + strconv.Itoa(i)
		names[i] = name
		shards[name] = New(&Options{
			Builder:        opt.Builder,
			MaxOpen:        opt.MaxOpenPerShard,
			BuildTimeout:   opt.BuildTimeout,
			BuildRateLimit: opt.BuildRateLimit,
			OnClose:        opt.OnClose,
		})
	}

	return &Ring{
		shards: shards,
		hash:   rendezvous.New(names, xxhash.Sum64String),
	}
}

func (r *Ring) shardByKey(key string) *Pool {
	return r.shards[r.hash.Lookup(key)]
}

func (r *Ring) Get(ctx context.Context, key string) (*Conn, error) {
	return r.shardByKey(key).Get(ctx, key)
}

func (r *Ring) Release(ctx context.Context, cn *Conn, keepAlive bool) {
	r.shardByKey(cn.Key()).Release(ctx, cn, keepAlive)
}

func (r *Ring) Remove(ctx context.Context, cn *Conn, reason error) {
	r.shardByKey(cn.Key()).Remove(ctx, cn, reason)
}

// Close shuts every shard down and returns the first error.
func (r *Ring) Close() error {
	var g errgroup.Group
	for _, shard := range r.shards {
		shard := shard
		g.Go(func() error {
			err := shard.Close()
			if err == ErrClosed {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (r *Ring) Len() int {
	n := 0
	for _, shard := range r.shards {
		n += shard.Len()
	}
	return n
}

func (r *Ring) IdleLen() int {
	n := 0
	for _, shard := range r.shards {
		n += shard.IdleLen()
	}
	return n
}

// Stats sums the stats of all shards.
func (r *Ring) Stats() *Stats {
	acc := &Stats{}
	for _, shard := range r.shards {
		s := shard.Stats()
		acc.Hits += s.Hits
		acc.Misses += s.Misses
		acc.Evictions += s.Evictions
		acc.StaleConns += s.StaleConns
		acc.BuildErrors += s.BuildErrors
		acc.TotalConns += s.TotalConns
		acc.IdleConns += s.IdleConns
		acc.WaitingReqs += s.WaitingReqs
	}
	return acc
}
