// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package retry provides a bounded retry combinator. A caller supplies a
// TryFunc and a budget (attempt count and delay schedule), and Run drives the
// attempts, sleeping between them, until the TryFunc indicates completion,
// the budget is exhausted, or the context is canceled. The fee estimator and
// the submission engine both drive their polling through this package so that
// retry policy lives in exactly one place.
package retry

import (
	"context"
	"math"
	"time"

	"crossdex.org/crossdex/gw"
)

// ErrExhausted is returned by Run when the attempt budget is spent without
// the TryFunc indicating completion.
const ErrExhausted = gw.Error("retry budget exhausted")

// TryDirective is a response that a TryFunc can return to instruct Run to
// continue trying or to quit.
type TryDirective bool

const (
	// TryAgain instructs Run to try again after the scheduled delay.
	TryAgain TryDirective = false
	// DontTryAgain instructs Run to quit trying.
	DontTryAgain TryDirective = true
)

// Attempt speed is piecewise linear, constant at Interval at or below
// fullSpeedTries, linear from Interval to SlowestInterval between
// fullSpeedTries and fullyTapered, and SlowestInterval beyond that.
const (
	fullSpeedTries = 3
	fullyTapered   = 15
)

// Config is the retry budget and schedule.
type Config struct {
	// MaxAttempts is the maximum number of times the TryFunc is run. A zero
	// or negative value means a single attempt.
	MaxAttempts int
	// Interval is the delay between attempts, and the fastest delay when
	// tapering is enabled.
	Interval time.Duration
	// SlowestInterval, when non-zero, enables a tapering schedule. The first
	// attempts run every Interval, then the delay grows until it reaches
	// SlowestInterval.
	SlowestInterval time.Duration
}

func (cfg *Config) delay(triesDone int) time.Duration {
	if cfg.SlowestInterval == 0 || triesDone < fullSpeedTries {
		return cfg.Interval
	}
	if triesDone >= fullyTapered {
		return cfg.SlowestInterval
	}
	prog := float64(triesDone+1-fullSpeedTries) / (fullyTapered - fullSpeedTries)
	taper := float64(cfg.SlowestInterval - cfg.Interval)
	return cfg.Interval + time.Duration(math.Round(prog*taper))
}

// Run runs the try function up to cfg.MaxAttempts times, sleeping per the
// configured schedule between attempts. The attempt number passed to try
// starts at 1. Run returns nil when try indicates DontTryAgain, ErrExhausted
// when the budget is spent, or the context's error if it is canceled while
// waiting.
func Run(ctx context.Context, cfg Config, try func(attempt int) TryDirective) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; ; i++ {
		if try(i) == DontTryAgain {
			return nil
		}
		if i == attempts {
			return ErrExhausted
		}
		timer := time.NewTimer(cfg.delay(i))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
