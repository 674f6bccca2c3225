package cronjob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/alertbus"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/storage"
)

type fakeSource struct {
	quotesByCode map[string]quotes.Quote
}

func (f *fakeSource) FetchBatch(ctx context.Context, codes []string) (map[string]quotes.Quote, map[string]struct{}) {
	out := make(map[string]quotes.Quote)
	failed := make(map[string]struct{})
	for _, c := range codes {
		if q, ok := f.quotesByCode[c]; ok {
			out[c] = q
		} else {
			failed[c] = struct{}{}
		}
	}
	return out, failed
}

type fakePublisher struct {
	events []alertbus.AlertOpened
}

func (f *fakePublisher) PublishAlertOpened(evt alertbus.AlertOpened) error {
	f.events = append(f.events, evt)
	return nil
}

func seedAssociation(store *storage.InMemory) {
	wsID := store.PutWatchedStock(storage.WatchedStock{UserID: "u1", TSCode: "600519.SH", Monitored: true})
	ruleID := store.PutRule(storage.MonitorRule{
		UserID: "u1", RuleType: rules.KindLimitUp, RuleName: "limit up", Enabled: true,
		Config: storage.Config{Decoded: rules.Config{Kind: rules.KindLimitUp, Limit: &rules.LimitConfig{ThresholdPercent: 10}}},
	})
	store.PutAssociation(storage.StockRuleAssociation{UserID: "u1", WatchedStockID: wsID, RuleID: ruleID, Enabled: true})
}

func tradingHoursTimestamp() time.Time {
	loc, _ := time.LoadLocation("Asia/Shanghai")
	// A Wednesday at 10:00 local time, safely inside the morning session.
	return time.Date(2024, time.January, 3, 10, 0, 0, 0, loc)
}

func TestServeHTTPRejectsMissingBearer(t *testing.T) {
	store := storage.NewInMemory()
	h := New(Config{Secret: "topsecret"}, store, &fakeSource{}, &fakePublisher{}, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/cron/check-monitors", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWithinTradingHoursMorningSession(t *testing.T) {
	ts := tradingHoursTimestamp()
	if !withinTradingHours(ts) {
		t.Errorf("expected %v to be within trading hours", ts)
	}
}

func TestWithinTradingHoursWeekend(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Shanghai")
	saturday := time.Date(2024, time.January, 6, 10, 0, 0, 0, loc)
	if withinTradingHours(saturday) {
		t.Error("expected Saturday to be outside trading hours")
	}
}

func TestWithinTradingHoursLunchBreak(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Shanghai")
	noon := time.Date(2024, time.January, 3, 12, 0, 0, 0, loc)
	if withinTradingHours(noon) {
		t.Error("expected lunch break to be outside trading hours")
	}
}

func TestRunReplayPublishesOnLimitUp(t *testing.T) {
	store := storage.NewInMemory()
	seedAssociation(store)

	source := &fakeSource{quotesByCode: map[string]quotes.Quote{
		"600519.SH": {TSCode: "600519.SH", CurrentPrice: 1848.0, PreClose: 1680.0, ChangePercent: 10.0, TimestampMS: 1},
	}}
	pub := &fakePublisher{}
	h := New(Config{Secret: "topsecret"}, store, source, pub, nil, zerolog.Nop())

	checked, triggered, err := h.runReplay(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if checked != 1 {
		t.Errorf("expected 1 checked, got %d", checked)
	}
	if triggered != 1 {
		t.Errorf("expected 1 triggered, got %d", triggered)
	}
	if len(pub.events) != 1 || pub.events[0].UserID != "u1" {
		t.Fatalf("expected one published event for u1, got %+v", pub.events)
	}
}

func TestRunReplayPublishesOnPriceBreakoutAcrossConsecutiveRuns(t *testing.T) {
	store := storage.NewInMemory()
	wsID := store.PutWatchedStock(storage.WatchedStock{UserID: "u1", TSCode: "600519.SH", Monitored: true})
	ruleID := store.PutRule(storage.MonitorRule{
		UserID: "u1", RuleType: rules.KindPriceBreakout, RuleName: "breakout", Enabled: true,
		Config: storage.Config{Decoded: rules.Config{Kind: rules.KindPriceBreakout, Breakout: &rules.BreakoutConfig{BreakoutPrice: 1800, BreakoutDirection: "up"}}},
	})
	store.PutAssociation(storage.StockRuleAssociation{UserID: "u1", WatchedStockID: wsID, RuleID: ruleID, Enabled: true})

	pub := &fakePublisher{}
	source := &fakeSource{quotesByCode: map[string]quotes.Quote{
		"600519.SH": {TSCode: "600519.SH", CurrentPrice: 1790.0, PreClose: 1680.0, TimestampMS: 1},
	}}
	h := New(Config{Secret: "topsecret"}, store, source, pub, nil, zerolog.Nop())

	// First run only seeds PrevPrice; price_breakout must not open on the
	// first observed tick for a stock (no prior price to cross from).
	_, triggered, err := h.runReplay(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if triggered != 0 {
		t.Fatalf("expected no trigger on the seeding run, got %d", triggered)
	}

	source.quotesByCode["600519.SH"] = quotes.Quote{TSCode: "600519.SH", CurrentPrice: 1805.0, PreClose: 1680.0, TimestampMS: 2}
	_, triggered, err = h.runReplay(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if triggered != 1 {
		t.Fatalf("expected the second run to cross the breakout price and trigger, got %d", triggered)
	}
	if len(pub.events) != 1 || pub.events[0].RuleType != string(rules.KindPriceBreakout) {
		t.Fatalf("expected one published price_breakout event, got %+v", pub.events)
	}
}

func TestRunReplaySkipsFailedCodes(t *testing.T) {
	store := storage.NewInMemory()
	seedAssociation(store)

	source := &fakeSource{quotesByCode: map[string]quotes.Quote{}}
	pub := &fakePublisher{}
	h := New(Config{Secret: "topsecret"}, store, source, pub, nil, zerolog.Nop())

	checked, triggered, err := h.runReplay(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if checked != 0 || triggered != 0 {
		t.Errorf("expected nothing evaluated when the fetch fails, got checked=%d triggered=%d", checked, triggered)
	}
}
