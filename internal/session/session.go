// Package session implements the per-connection gateway Session (spec.md
// §4.7, §5): a live WebSocket connection plus its session-owned Rule Engine
// state. It implements registry.Conn so the Connection Registry (C3) can
// manage it without depending on the transport.
package session

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second

	defaultNotificationCooldown  = 300 * time.Second
	defaultTimeWindowSpanSeconds = 3600
	defaultCompressionThreshold  = 0.01
)

// RuleBinding is one enabled rule bound to a stock for a user, as resolved
// by a RuleProvider.
type RuleBinding struct {
	RuleID   string
	RuleName string
	Config   rules.Config
}

// RuleProvider resolves the rules currently bound to (userID, tsCode), per
// spec.md §3's StockRuleAssociation (all three of rule/association/watched
// stock must be enabled for a binding to be returned).
type RuleProvider interface {
	RulesForStock(userID, tsCode string) []RuleBinding
}

// AlertEvent is emitted by ProcessQuote when a rule transitions to OPEN.
// The gateway forwards it to the session's own socket (as an "alert"
// message) and to the Notification Dispatcher via the alert bus.
type AlertEvent struct {
	TSCode      string
	RuleID      string
	RuleName    string
	RuleType    rules.Kind
	TriggerData map[string]interface{}
	OpenedAtMS  int64
}

// Config configures the per-session cadence/sizing knobs spec.md §6 names:
// notification cooldown, time-window span, and compression threshold. Zero
// values fall back to the spec's defaults.
type Config struct {
	NotificationCooldown  time.Duration
	TimeWindowSpanSeconds int
	CompressionThreshold  float64
}

// Session owns one authenticated connection, the outbound queue that the
// gateway's write pump drains, and its per-(tsCode, ruleType) alert state,
// per-stock TimeWindow and last observed price, and
// per-(tsCode, alertType) client-side cooldown (spec.md §4.5, §4.6).
type Session struct {
	userID string
	conn   net.Conn

	send      chan []byte
	closeOnce sync.Once

	alive int32 // atomic bool

	ruleProvider RuleProvider
	logger       zerolog.Logger

	notificationCooldown  time.Duration
	timeWindowSpanSeconds int
	compressionThreshold  float64

	mu          sync.Mutex
	windows     map[string]*rules.TimeWindow
	lastPrices  map[string]float64
	alertStates map[string]rules.AlertState
	cooldowns   map[string]time.Time
}

// New constructs a Session around an already-upgraded connection.
func New(userID string, conn net.Conn, ruleProvider RuleProvider, cfg Config, logger zerolog.Logger) *Session {
	cooldown := cfg.NotificationCooldown
	if cooldown <= 0 {
		cooldown = defaultNotificationCooldown
	}
	spanSeconds := cfg.TimeWindowSpanSeconds
	if spanSeconds <= 0 {
		spanSeconds = defaultTimeWindowSpanSeconds
	}
	compressPct := cfg.CompressionThreshold
	if compressPct <= 0 {
		compressPct = defaultCompressionThreshold
	}
	s := &Session{
		userID:                userID,
		conn:                  conn,
		send:                  make(chan []byte, 256),
		ruleProvider:          ruleProvider,
		logger:                logger.With().Str("component", "session").Str("user_id", userID).Logger(),
		notificationCooldown:  cooldown,
		timeWindowSpanSeconds: spanSeconds,
		compressionThreshold:  compressPct,
		windows:               make(map[string]*rules.TimeWindow),
		lastPrices:            make(map[string]float64),
		alertStates:           make(map[string]rules.AlertState),
		cooldowns:             make(map[string]time.Time),
	}
	atomic.StoreInt32(&s.alive, 1)
	return s
}

// --- registry.Conn ---

func (s *Session) UserID() string { return s.userID }

// Send enqueues msg for delivery; returns false on backpressure or a closed
// session, per spec.md §4.4's drop-don't-block requirement.
func (s *Session) Send(msg []byte) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Close tears the connection down, sending a close frame carrying code/reason
// best-effort.
func (s *Session) Close(code uint16, reason string) {
	s.closeOnce.Do(func() {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		closeMsg := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		wsutil.WriteServerMessage(s.conn, ws.OpClose, closeMsg)
		s.conn.Close()
		close(s.send)
	})
}

// Ping issues a transport-level ping frame.
func (s *Session) Ping() {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	wsutil.WriteServerMessage(s.conn, ws.OpPing, nil)
}

func (s *Session) SetAlive(v bool) {
	val := int32(0)
	if v {
		val = 1
	}
	atomic.StoreInt32(&s.alive, val)
}

func (s *Session) IsAlive() bool { return atomic.LoadInt32(&s.alive) == 1 }

// SendChan exposes the outbound channel for the write pump.
func (s *Session) SendChan() <-chan []byte { return s.send }

// Conn exposes the raw connection for the read pump.
func (s *Session) Conn() net.Conn { return s.conn }

// ProcessQuote runs every rule bound to q.TSCode against q, updating the
// session's TimeWindow and AlertState, and returns the AlertEvents for
// rules that transitioned to OPEN this tick and are not under cooldown
// (spec.md §4.5, §4.6 "client-side cooldown").
func (s *Session) ProcessQuote(q quotes.Quote) []AlertEvent {
	bindings := s.ruleProvider.RulesForStock(s.userID, q.TSCode)
	if len(bindings) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	window, ok := s.windows[q.TSCode]
	if !ok {
		window = rules.NewTimeWindow(s.timeWindowSpanSeconds, s.compressionThreshold)
		s.windows[q.TSCode] = window
	}
	prevPrice := s.lastPrices[q.TSCode]
	s.lastPrices[q.TSCode] = q.CurrentPrice
	window.Add(q.TimestampMS, q.CurrentPrice, q.Volume, q.ChangePercent)

	tick := rules.Tick{
		TimestampMS:   q.TimestampMS,
		Price:         q.CurrentPrice,
		Open:          q.Open,
		ChangePercent: q.ChangePercent,
		Volume:        q.Volume,
		PrevPrice:     prevPrice,
		Window:        window,
	}

	var events []AlertEvent
	now := time.Now()

	for _, b := range bindings {
		stateKey := q.TSCode + "|" + b.RuleID
		state := s.alertStates[stateKey]

		newState, signal, err := rules.Evaluate(b.Config, state, tick)
		if err != nil {
			s.logger.Warn().Err(err).Str("ts_code", q.TSCode).Str("rule_id", b.RuleID).Msg("rule evaluation failed")
			continue
		}
		s.alertStates[stateKey] = newState

		if signal != rules.SignalOpened {
			continue
		}

		cooldownKey := q.TSCode + "|" + string(b.Config.Kind)
		if last, onCooldown := s.cooldowns[cooldownKey]; onCooldown && now.Sub(last) < s.notificationCooldown {
			continue
		}
		s.cooldowns[cooldownKey] = now

		events = append(events, AlertEvent{
			TSCode:      q.TSCode,
			RuleID:      b.RuleID,
			RuleName:    b.RuleName,
			RuleType:    b.Config.Kind,
			TriggerData: newState.TriggerData,
			OpenedAtMS:  q.TimestampMS,
		})
	}

	return events
}

// GCCooldowns drops cooldown entries older than the session's notification
// cooldown. gateway.Server runs a periodic sweep calling this on every live
// session, per spec.md §4.6.
func (s *Session) GCCooldowns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, last := range s.cooldowns {
		if now.Sub(last) >= s.notificationCooldown {
			delete(s.cooldowns, k)
		}
	}
}

// EncodeEnvelope marshals a (type, payload) server-to-client message per the
// codec in spec.md §4.7.
func EncodeEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload,omitempty"`
	}{Type: msgType, Payload: payload})
}
