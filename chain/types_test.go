// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		raw      string
		decimals uint8
		want     string
	}{
		{"1", 18, "0.000000000000000001"},
		{"-1", 18, "-0.000000000000000001"},
		{"1", 6, "0.000001"},
		{"-1", 6, "-0.000001"},
		{"0", 18, "0"},
		{"1000000000000000000", 18, "1"},
		{"1500000000000000000", 18, "1.5"},
		{"123456789", 6, "123.456789"},
		{"42", 0, "42"},
		// A value float64 would mangle.
		{"10000000000000000001", 18, "10.000000000000000001"},
	}
	for _, tt := range tests {
		raw, ok := new(big.Int).SetString(tt.raw, 10)
		if !ok {
			t.Fatalf("bad test value %q", tt.raw)
		}
		if got := FormatUnits(raw, tt.decimals); got != tt.want {
			t.Errorf("FormatUnits(%s, %d) = %q, want %q", tt.raw, tt.decimals, got, tt.want)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	rec := &SubmissionRecord{Status: StatusPending}
	if rec.Status.Terminal() {
		t.Fatal("pending is terminal")
	}
	if !rec.SetStatus(StatusConfirmed) {
		t.Fatal("pending -> confirmed rejected")
	}
	for _, s := range []TxStatus{StatusFailed, StatusExpired, StatusPending} {
		if rec.SetStatus(s) {
			t.Fatalf("confirmed -> %s allowed", s)
		}
	}
	if rec.CurrentStatus() != StatusConfirmed {
		t.Fatalf("terminal status drifted to %s", rec.CurrentStatus())
	}

	rec = &SubmissionRecord{Status: StatusPending}
	rec.Rebroadcast(50)
	rec.Rebroadcast(60)
	if rec.AttemptCount() != 2 || rec.Window() != 60 {
		t.Fatalf("rebroadcast bookkeeping: %d attempts, window %d", rec.AttemptCount(), rec.Window())
	}
	rec.SetWindow(70)
	if rec.AttemptCount() != 2 {
		t.Fatal("SetWindow counted a broadcast")
	}
}

func TestSnapshot(t *testing.T) {
	rec := &SubmissionRecord{
		Nonce:        7,
		ExpiryHeight: 50,
		Attempts:     1,
		Status:       StatusPending,
	}
	snap := rec.Snapshot()
	if snap.Nonce != 7 || snap.ExpiryHeight != 50 || snap.Attempts != 1 || snap.Status != StatusPending {
		t.Fatalf("bad snapshot: %+v", snap)
	}

	// The snapshot is decoupled from later mutation, and snapshotting is safe
	// against concurrent updates. Run with -race.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(0); i < 1000; i++ {
			rec.Rebroadcast(50 + i)
		}
		rec.SetBlock(60)
		rec.SetStatus(StatusConfirmed)
	}()
	for {
		s := rec.Snapshot()
		if s.Status.Terminal() {
			break
		}
	}
	<-done
	if snap.Attempts != 1 || snap.Status != StatusPending {
		t.Fatalf("snapshot mutated: %+v", snap)
	}
}

func TestFeeQuoteFresh(t *testing.T) {
	q := &FeeQuote{Stamp: time.Now()}
	if !q.Fresh(10 * time.Second) {
		t.Fatal("new quote not fresh")
	}
	q.Stamp = time.Now().Add(-11 * time.Second)
	if q.Fresh(10 * time.Second) {
		t.Fatal("stale quote fresh")
	}
}

func TestMatchRevert(t *testing.T) {
	e := MatchRevert("execution reverted: Too little received")
	if !strings.Contains(e.Reason, "slippage") {
		t.Fatalf("wrong reason %q", e.Reason)
	}
	e = MatchRevert("execution reverted: STF")
	if !strings.Contains(e.Reason, "approval") {
		t.Fatalf("wrong reason %q", e.Reason)
	}
	e = MatchRevert("execution reverted: 0xdeadbeef")
	if !strings.Contains(e.Reason, "revert") {
		t.Fatalf("no generic fallback: %q", e.Reason)
	}
	if e.Detail != "execution reverted: 0xdeadbeef" {
		t.Fatalf("raw detail lost: %q", e.Detail)
	}
}
