package hostpool

import "time"

type Options struct {
	// Builder creates new connections. Required.
	Builder Builder

	// MaxOpen bounds the number of connections that are open or currently
	// being built, across all keys.
	// Default is 10.
	MaxOpen int

	// BuildTimeout is the deadline for establishing a new connection. If
	// reached, the build fails.
	// Default is 5 seconds; negative disables the deadline.
	BuildTimeout time.Duration

	// BuildRateLimit caps connection builds per second. It also bounds how
	// fast a failing builder is retried while callers are waiting.
	// Default is 0 (no limit).
	BuildRateLimit int

	// OnClose is called for every connection the pool closes, before the
	// transport is torn down.
	OnClose func(cn *Conn) error
}

func (opt *Options) init() {
	if opt.Builder == nil {
		panic("hostpool: Options.Builder is required")
	}
	if opt.MaxOpen <= 0 {
		opt.MaxOpen = 10
	}
	if opt.BuildTimeout == 0 {
		opt.BuildTimeout = 5 * time.Second
	}
}
