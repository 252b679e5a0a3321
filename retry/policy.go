// Package retry decides, on step failure, whether to schedule a retry or to
// give up. Decisions are deterministic given the attempt count and the
// policy, so retries remain reproducible under replay.
package retry

import (
	"math"
	"slices"
	"time"

	"github.com/stepflow-io/stepflow/internal/runerrors"
)

type Policy struct {
	// MaxAttempts is the number of failures after which retrying stops.
	MaxAttempts int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffFactor is the coefficient for calculating the next retry delay:
	// delay = BackoffBase * BackoffFactor^(attempt-1).
	BackoffFactor float64

	// MaxInterval caps any individual retry delay. Zero means no cap.
	MaxInterval time.Duration

	// NonRetryable error kinds force an immediate give-up regardless of the
	// attempt count.
	NonRetryable []runerrors.Kind
}

var DefaultPolicy = Policy{
	MaxAttempts:   3,
	BackoffBase:   time.Second,
	BackoffFactor: 2,
	MaxInterval:   time.Hour,
}

type Decision struct {
	Retry bool

	// Delay before the next attempt, set when Retry is true.
	Delay time.Duration
}

var giveUp = Decision{}

// Decide evaluates the policy for the given failed attempt. attempt is the
// number of failures so far, starting at 1.
func (p Policy) Decide(attempt int, err *runerrors.Error) Decision {
	if err != nil {
		if !runerrors.CanRetry(err) {
			return giveUp
		}

		if slices.Contains(p.NonRetryable, err.Kind) {
			return giveUp
		}
	}

	if attempt >= p.MaxAttempts {
		return giveUp
	}

	return Decision{Retry: true, Delay: p.delay(attempt)}
}

func (p Policy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BackoffBase) * math.Pow(p.BackoffFactor, float64(attempt-1)))
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}

	return d
}
