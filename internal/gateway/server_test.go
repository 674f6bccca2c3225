package gateway

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/alertbus"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/metrics"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/registry"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/session"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/subindex"
)

type staticRuleProvider struct {
	bindings []session.RuleBinding
}

func (p staticRuleProvider) RulesForStock(userID, tsCode string) []session.RuleBinding {
	return p.bindings
}

type fakeAlertPublisher struct {
	events []alertbus.AlertOpened
}

func (f *fakeAlertPublisher) PublishAlertOpened(evt alertbus.AlertOpened) error {
	f.events = append(f.events, evt)
	return nil
}

func newTestServer(t *testing.T, publisher AlertPublisher) (*Server, *session.Session) {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	idx := subindex.New()
	rp := staticRuleProvider{bindings: []session.RuleBinding{
		{RuleID: "r1", RuleName: "limit up", Config: rules.Config{Kind: rules.KindLimitUp, Limit: &rules.LimitConfig{ThresholdPercent: 10}}},
	}}

	s := &Server{
		registry: reg,
		subindex: idx,
		metrics:  metrics.New(),
		logger:   zerolog.Nop(),
	}
	s.alertPublisher = publisher

	conn, _ := net.Pipe()
	sess := session.New("u1", conn, rp, session.Config{}, zerolog.Nop())
	reg.Add(sess)
	idx.Subscribe("u1", []string{"600519.SH"})

	return s, sess
}

func TestOnQuoteForUserForwardsAlertToSocket(t *testing.T) {
	s, sess := newTestServer(t, nil)

	s.OnQuoteForUser("u1", quotes.Quote{
		TSCode: "600519.SH", CurrentPrice: 1848, PreClose: 1680, ChangePercent: 10, TimestampMS: 1,
	})

	select {
	case data := <-sess.SendChan():
		var env struct {
			Type    string       `json:"type"`
			Payload alertPayload `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("failed to decode envelope: %v", err)
		}
		if env.Type != msgTypeAlert {
			t.Errorf("expected type %q, got %q", msgTypeAlert, env.Type)
		}
		if env.Payload.Severity != "warning" {
			t.Errorf("expected warning severity for limit_up, got %q", env.Payload.Severity)
		}
	default:
		t.Fatal("expected an alert message to be queued")
	}
}

func TestOnQuoteForUserPublishesWhenBusConfigured(t *testing.T) {
	pub := &fakeAlertPublisher{}
	s, _ := newTestServer(t, pub)

	s.OnQuoteForUser("u1", quotes.Quote{
		TSCode: "600519.SH", CurrentPrice: 1848, PreClose: 1680, ChangePercent: 10, TimestampMS: 1,
	})

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.events))
	}
	if pub.events[0].UserID != "u1" || pub.events[0].TSCode != "600519.SH" {
		t.Errorf("unexpected event %+v", pub.events[0])
	}
}

func TestHandleSubscribeUpdatesSubscriptionIndex(t *testing.T) {
	s, sess := newTestServer(t, nil)

	payload, _ := json.Marshal(subscribePayload{TSCodes: []string{"000001.SZ"}})
	s.handleSubscribe(sess, payload)

	codes := s.subindex.StocksOf("u1")
	found := false
	for _, c := range codes {
		if c == "000001.SZ" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected u1 subscribed to 000001.SZ, got %v", codes)
	}
}

func TestHandleUnsubscribeRemovesSubscription(t *testing.T) {
	s, sess := newTestServer(t, nil)
	s.subindex.Subscribe("u1", []string{"000001.SZ"})

	payload, _ := json.Marshal(subscribePayload{TSCodes: []string{"000001.SZ"}})
	s.handleUnsubscribe(sess, payload)

	codes := s.subindex.StocksOf("u1")
	for _, c := range codes {
		if c == "000001.SZ" {
			t.Errorf("expected 000001.SZ to be unsubscribed, still present in %v", codes)
		}
	}
}

func TestHandleClientMessageRespondsToUnknownType(t *testing.T) {
	s, sess := newTestServer(t, nil)

	raw, _ := json.Marshal(clientMessage{Type: "bogus"})
	s.handleClientMessage(sess, raw)

	select {
	case data := <-sess.SendChan():
		var env struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &env)
		if env.Type != msgTypeError {
			t.Errorf("expected error response, got %q", env.Type)
		}
	default:
		t.Fatal("expected an error message to be queued")
	}
}

func TestOnAlertBusEventForwardsToSocketWithoutDispatcher(t *testing.T) {
	s, sess := newTestServer(t, nil)

	s.onAlertBusEvent("u1", alertbus.AlertOpened{
		UserID: "u1", TSCode: "600519.SH", RuleType: string(rules.KindLimitUp), OpenedAtMS: 1,
	})

	select {
	case data := <-sess.SendChan():
		var env struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &env)
		if env.Type != msgTypeAlert {
			t.Errorf("expected alert message, got %q", env.Type)
		}
	default:
		t.Fatal("expected an alert message forwarded from the bus event")
	}
}
