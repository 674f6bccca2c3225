package quotes

import (
	"context"
	"testing"
)

func TestValidTSCode(t *testing.T) {
	cases := map[string]bool{
		"600519.SH": true,
		"000001.sz": true,
		"430047.BJ": true,
		"60051.SH":  false,
		"600519.NY": false,
		"600519":    false,
	}
	for code, want := range cases {
		if got := ValidTSCode(code); got != want {
			t.Errorf("ValidTSCode(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestParseFields_ComputesChangePercent(t *testing.T) {
	fields := make([]string, 32)
	fields[0] = "贵州茅台"
	fields[1] = "1680.00"
	fields[2] = "1680.00"
	fields[3] = "1700.00"
	fields[4] = "1710.00"
	fields[5] = "1695.00"
	fields[8] = "100000"
	fields[9] = "170000000"
	fields[30] = "2024-01-02"
	fields[31] = "10:30:00"

	q, ok := parseFields("600519.SH", fields)
	if !ok {
		t.Fatal("expected fields to parse")
	}
	if q.Change != 20 {
		t.Errorf("change = %v, want 20", q.Change)
	}
	if diff := q.ChangePercent - 1.1904761904761905; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("changePercent = %v, want ~1.19", q.ChangePercent)
	}
}

func TestParseFields_PreCloseZero(t *testing.T) {
	fields := make([]string, 32)
	fields[3] = "10.00"
	fields[2] = "0"
	q, ok := parseFields("000001.SZ", fields)
	if !ok {
		t.Fatal("expected fields to parse")
	}
	if q.ChangePercent != 0 {
		t.Errorf("changePercent = %v, want 0 when preClose=0", q.ChangePercent)
	}
}

func TestParseFields_NonPositiveCurrentSkipped(t *testing.T) {
	fields := make([]string, 32)
	fields[3] = "0"
	if _, ok := parseFields("000001.SZ", fields); ok {
		t.Fatal("expected non-positive current price to be rejected")
	}
}

func TestParseLines_ShortLineSkipped(t *testing.T) {
	body := `var hq_str_sh600519="too,few,fields";` + "\n"
	out := make(map[string]Quote)
	seen := parseLines(body, map[string]string{"sh600519": "600519.SH"}, out)
	if len(seen) != 0 {
		t.Errorf("expected no codes parsed from a short line, got %d", len(seen))
	}
}

func TestFetchBatch_UnreachableHostMarksAllFailed(t *testing.T) {
	a := New(Config{Host: "127.0.0.1:1"}, testLogger())
	quotesOut, failed := a.FetchBatch(context.Background(), []string{"600519.SH", "000001.SZ"})
	if len(quotesOut) != 0 {
		t.Errorf("expected no quotes, got %d", len(quotesOut))
	}
	if len(failed) != 2 {
		t.Errorf("expected both codes failed, got %d", len(failed))
	}
}

func TestFetchBatch_ChunksAt800(t *testing.T) {
	codes := make([]string, 1600)
	for i := range codes {
		codes[i] = "600519.SH"
	}
	a := New(Config{Host: "127.0.0.1:1"}, testLogger())
	_, failed := a.FetchBatch(context.Background(), codes)
	// Every code fails (unreachable host) but the call must not panic or hang
	// across the two chunks this input requires.
	if len(failed) == 0 {
		t.Error("expected failures from an unreachable host")
	}
}
