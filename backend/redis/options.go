package redis

import "github.com/stepflow-io/stepflow/backend"

type RedisOptions struct {
	backend.Options

	// KeyPrefix is prepended to every key the store writes.
	KeyPrefix string
}

type RedisStoreOption func(*RedisOptions)

func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(o *RedisOptions) {
		o.KeyPrefix = prefix
	}
}

func WithBackendOptions(opts ...backend.Option) RedisStoreOption {
	return func(o *RedisOptions) {
		for _, opt := range opts {
			opt(&o.Options)
		}
	}
}
