package session

import (
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
)

type staticRuleProvider struct {
	bindings []RuleBinding
}

func (p staticRuleProvider) RulesForStock(userID, tsCode string) []RuleBinding {
	return p.bindings
}

func newTestSession(t *testing.T, bindings []RuleBinding) *Session {
	t.Helper()
	server, _ := net.Pipe()
	return New("u1", server, staticRuleProvider{bindings: bindings}, Config{}, zerolog.Nop())
}

func TestProcessQuoteEmitsOpenedEventOnce(t *testing.T) {
	binding := RuleBinding{
		RuleID:   "r1",
		RuleName: "big mover",
		Config:   rules.Config{Kind: rules.KindPriceChange, PriceChange: &rules.PriceChangeConfig{ThresholdPercent: 5}},
	}
	s := newTestSession(t, []RuleBinding{binding})

	events := s.ProcessQuote(quotes.Quote{TSCode: "600519.SH", ChangePercent: 6, TimestampMS: 1000})
	if len(events) != 1 {
		t.Fatalf("expected 1 alert event, got %d", len(events))
	}
	if events[0].RuleID != "r1" {
		t.Errorf("unexpected rule id %q", events[0].RuleID)
	}

	// Same stock stays above threshold: state is ACTIVE now, no re-emission.
	events = s.ProcessQuote(quotes.Quote{TSCode: "600519.SH", ChangePercent: 7, TimestampMS: 2000})
	if len(events) != 0 {
		t.Errorf("expected no re-emission while ACTIVE, got %d events", len(events))
	}
}

func TestProcessQuoteCooldownSuppressesReopen(t *testing.T) {
	binding := RuleBinding{
		RuleID: "r1",
		Config: rules.Config{Kind: rules.KindPriceChange, PriceChange: &rules.PriceChangeConfig{ThresholdPercent: 5}},
	}
	s := newTestSession(t, []RuleBinding{binding})

	events := s.ProcessQuote(quotes.Quote{TSCode: "600519.SH", ChangePercent: 6, TimestampMS: 1000})
	if len(events) != 1 {
		t.Fatalf("expected initial open, got %d events", len(events))
	}

	// Close then reopen immediately; cooldown should suppress the second open.
	s.ProcessQuote(quotes.Quote{TSCode: "600519.SH", ChangePercent: 1, TimestampMS: 2000})
	events = s.ProcessQuote(quotes.Quote{TSCode: "600519.SH", ChangePercent: 6, TimestampMS: 3000})
	if len(events) != 0 {
		t.Errorf("expected cooldown to suppress immediate reopen, got %d events", len(events))
	}
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	s := newTestSession(t, nil)
	// Fill the buffered channel, then expect the next send to report backpressure.
	for i := 0; i < cap(s.send); i++ {
		if !s.Send([]byte("x")) {
			t.Fatalf("unexpected early backpressure at message %d", i)
		}
	}
	if s.Send([]byte("overflow")) {
		t.Error("expected Send to report false once the buffer is full")
	}
}
