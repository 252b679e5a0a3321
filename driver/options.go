package driver

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/stepflow-io/stepflow/backend"
	"github.com/stepflow-io/stepflow/retry"
)

type Options struct {
	backend.Options

	// RetryPolicy is applied to failed steps.
	RetryPolicy retry.Policy

	// TerminalCacheTTL bounds how long terminal actions are kept in memory
	// for idempotent re-reporting. Ticks arriving later are still answered,
	// from the store.
	TerminalCacheTTL time.Duration

	// TerminalCacheSize bounds the number of cached terminal actions.
	TerminalCacheSize int

	Clock clock.Clock
}

var DefaultOptions = Options{
	Options:           backend.DefaultOptions,
	RetryPolicy:       retry.DefaultPolicy,
	TerminalCacheTTL:  time.Minute * 5,
	TerminalCacheSize: 1024,
}

type Option func(*Options)

func WithBackendOptions(opts ...backend.Option) Option {
	return func(o *Options) {
		for _, opt := range opts {
			opt(&o.Options)
		}
	}
}

func WithRetryPolicy(policy retry.Policy) Option {
	return func(o *Options) {
		o.RetryPolicy = policy
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithTerminalCache(size int, ttl time.Duration) Option {
	return func(o *Options) {
		o.TerminalCacheSize = size
		o.TerminalCacheTTL = ttl
	}
}

func applyOptions(opts ...Option) *Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return &options
}
