// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunCompletes(t *testing.T) {
	var tries int
	err := Run(context.Background(), Config{MaxAttempts: 5, Interval: time.Millisecond}, func(attempt int) TryDirective {
		tries = attempt
		return TryDirective(attempt == 3)
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if tries != 3 {
		t.Fatalf("expected 3 tries, got %d", tries)
	}
}

func TestRunExhausted(t *testing.T) {
	var tries int
	err := Run(context.Background(), Config{MaxAttempts: 4, Interval: time.Millisecond}, func(attempt int) TryDirective {
		tries = attempt
		return TryAgain
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if tries != 4 {
		t.Fatalf("expected 4 tries, got %d", tries)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, Config{MaxAttempts: 2, Interval: time.Hour}, func(int) TryDirective {
		return TryAgain
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTaperedDelays(t *testing.T) {
	cfg := Config{Interval: time.Second, SlowestInterval: 10 * time.Second}
	if d := cfg.delay(1); d != time.Second {
		t.Fatalf("full-speed delay = %s", d)
	}
	if d := cfg.delay(fullyTapered + 1); d != 10*time.Second {
		t.Fatalf("fully-tapered delay = %s", d)
	}
	mid := cfg.delay(8)
	if mid <= time.Second || mid >= 10*time.Second {
		t.Fatalf("mid-taper delay out of range: %s", mid)
	}
	// Monotonic non-decreasing through the taper.
	last := time.Duration(0)
	for i := 1; i < fullyTapered+2; i++ {
		d := cfg.delay(i)
		if d < last {
			t.Fatalf("delay decreased at try %d: %s < %s", i, d, last)
		}
		last = d
	}
}
