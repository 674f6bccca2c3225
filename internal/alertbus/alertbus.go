// Package alertbus decouples the server-side replay evaluator (internal/cronjob)
// from the Notification Dispatcher (internal/notify) via NATS, so a monitor
// check triggered out-of-band from any gateway instance reaches the instance
// holding the user's live connection (spec.md §4.6, §9 "duplicate-write risk").
package alertbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// AlertOpenedSubject is the per-user subject an opened alert is published on.
func AlertOpenedSubject(userID string) string {
	return fmt.Sprintf("alerts.opened.%s", userID)
}

// Config configures the underlying NATS connection.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// ConsumeLimiter rate-limits inbound message delivery, protecting against a
// redelivery storm after a reconnect. The gateway wires this to
// resources.Guard.
type ConsumeLimiter interface {
	AllowBusMessage() bool
}

// Bus wraps a NATS connection for the alert-opened fanout.
type Bus struct {
	conn    *nats.Conn
	subs    map[string]*nats.Subscription
	mu      sync.Mutex
	logger  zerolog.Logger
	limiter ConsumeLimiter
}

// WithLimiter attaches a ConsumeLimiter to throttle inbound delivery. Call
// before any SubscribeAlertOpened.
func (b *Bus) WithLimiter(limiter ConsumeLimiter) *Bus {
	b.limiter = limiter
	return b
}

// Connect dials NATS with reconnection behavior appropriate for a long-lived
// gateway process.
func Connect(cfg Config, logger zerolog.Logger) (*Bus, error) {
	logger = logger.With().Str("component", "alertbus").Logger()

	b := &Bus{
		subs:   make(map[string]*nats.Subscription),
		logger: logger,
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b.conn = conn
	return b, nil
}

// AlertOpened is the payload published when a rule transitions into
// StatusOpen (rules.SignalOpened), regardless of which gateway instance
// owns the evaluation.
type AlertOpened struct {
	UserID      string                 `json:"userId"`
	TSCode      string                 `json:"tsCode"`
	RuleType    string                 `json:"ruleType"`
	RuleName    string                 `json:"ruleName,omitempty"`
	TriggerData map[string]interface{} `json:"triggerData"`
	OpenedAtMS  int64                  `json:"openedAtMs"`
}

// PublishAlertOpened publishes evt on the per-user alert-opened subject.
func (b *Bus) PublishAlertOpened(evt AlertOpened) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal alert opened event: %w", err)
	}
	if err := b.conn.Publish(AlertOpenedSubject(evt.UserID), data); err != nil {
		return fmt.Errorf("publish alert opened: %w", err)
	}
	return nil
}

// SubscribeAlertOpened subscribes handler to userID's alert-opened subject.
// The dispatcher's gateway instance calls this once per connected user so
// alerts opened by the cron replay path (running on any instance) reach the
// instance that can actually push to the user's live socket.
func (b *Bus) SubscribeAlertOpened(userID string, handler func(AlertOpened)) error {
	subject := AlertOpenedSubject(userID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[subject]; exists {
		return nil
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		if b.limiter != nil && !b.limiter.AllowBusMessage() {
			b.logger.Warn().Str("subject", subject).Msg("alert bus message dropped by rate limit")
			return
		}
		var evt AlertOpened
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Error().Err(err).Str("subject", subject).Msg("malformed alert opened payload")
			return
		}
		handler(evt)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	b.subs[subject] = sub
	return nil
}

// UnsubscribeAlertOpened tears down userID's subscription, called when the
// user's connection is removed from the registry.
func (b *Bus) UnsubscribeAlertOpened(userID string) {
	subject := AlertOpenedSubject(userID)

	b.mu.Lock()
	defer b.mu.Unlock()
	sub, exists := b.subs[subject]
	if !exists {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("failed to unsubscribe")
	}
	delete(b.subs, subject)
}

// Close unsubscribes everything and closes the underlying connection.
func (b *Bus) Close() {
	b.mu.Lock()
	for subject, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("failed to unsubscribe during close")
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	if b.conn != nil {
		b.conn.Close()
	}
}
