package runner

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/stepflow-io/stepflow/backend/converter"
)

type Options struct {
	Logger *slog.Logger

	Converter converter.Converter

	Clock clock.Clock
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithConverter(cv converter.Converter) Option {
	return func(o *Options) {
		o.Converter = cv
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func applyOptions(opts ...Option) *Options {
	options := &Options{
		Logger:    slog.Default(),
		Converter: converter.DefaultConverter,
		Clock:     clock.New(),
	}

	for _, opt := range opts {
		opt(options)
	}

	return options
}
