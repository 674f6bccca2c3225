package testgen

import (
	"context"
	"testing"
)

func TestFetchBatchReturnsRequestedInstruments(t *testing.T) {
	g := New(1)
	quotesOut, failed := g.FetchBatch(context.Background(), []string{"600519.SH", "000001.SZ"})
	if len(quotesOut) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotesOut))
	}
	if len(failed) != 0 {
		t.Errorf("expected no failures for known instruments, got %d", len(failed))
	}
}

func TestFetchBatchFailsUnknownCode(t *testing.T) {
	g := New(1)
	_, failed := g.FetchBatch(context.Background(), []string{"999999.SH"})
	if _, ok := failed["999999.SH"]; !ok {
		t.Error("expected unknown code to be reported failed")
	}
}

func TestCyclesThroughAllRegimes(t *testing.T) {
	g := New(42)
	seen := map[Regime]bool{}
	for i := 0; i < regimeTicks*5; i++ {
		g.FetchBatch(context.Background(), g.Codes())
		seen[g.regimes[0]] = true
	}
	for _, r := range []Regime{RegimeNormal, RegimeSpike, RegimeLimitUp, RegimeLimitDown} {
		if !seen[r] {
			t.Errorf("expected regime %d to be visited within %d ticks", r, regimeTicks*5)
		}
	}
}

func TestLimitRegimesPinToExactBoardLimit(t *testing.T) {
	g := New(7)
	// Advance instrument 0 into the limit-up regime (index 2 in the cycle).
	for g.regimes[0] != RegimeLimitUp {
		g.FetchBatch(context.Background(), g.Codes())
	}
	g.FetchBatch(context.Background(), g.Codes())
	inst := g.instruments[0]
	want := inst.preClose * 1.10
	if inst.price != want {
		t.Errorf("expected price pinned at limit %v, got %v", want, inst.price)
	}
}
