// Package storage defines the persistence ports for the data the spec
// treats as owned by an external system (spec.md §1 Non-goals): watchlists,
// monitor rules, their associations, alert records, and notification
// settings. InMemory is the only implementation in this module; cmd/gateway
// wires it in every mode, so its data lives only as long as the process.
package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
)

// ErrNotFound is returned by single-record lookups that find nothing.
var ErrNotFound = errors.New("storage: not found")

// WatchedStock is spec.md §3's WatchedStock record.
type WatchedStock struct {
	ID        string
	UserID    string
	TSCode    string
	GroupRef  *string
	CostPrice *float64
	Quantity  *float64
	Monitored bool
	AddedAt   time.Time
}

// MonitorRule is spec.md §3's MonitorRule record.
type MonitorRule struct {
	ID       string
	UserID   string
	RuleType rules.Kind
	RuleName string
	Enabled  bool
	Config   Config
}

// Config carries a decoded rule config alongside its raw JSON, so the
// dispatcher can reconstruct the original document for logging/replay
// without re-deriving it from the typed form.
type Config struct {
	Decoded rules.Config
	Raw     []byte
}

// StockRuleAssociation is spec.md §3's StockRuleAssociation record. A rule
// applies to a stock only when this association exists and is enabled, and
// the referenced rule and watched stock are themselves enabled/monitored.
type StockRuleAssociation struct {
	ID             string
	UserID         string
	WatchedStockID string
	RuleID         string
	Enabled        bool
}

// AlertRecord is spec.md §3's AlertRecord, written exactly once per OPEN
// transition that reaches the dispatcher.
type AlertRecord struct {
	ID          string
	UserID      string
	TSCode      string
	RuleID      *string
	AlertType   rules.Kind
	TriggerTime time.Time
	TriggerData map[string]interface{}
	Read        bool
	Notified    bool
	CreatedAt   time.Time
}

// NotificationSettings is spec.md §3's NotificationSettings, at most one
// record per user.
type NotificationSettings struct {
	UserID             string
	WebhookURL         string
	WebhookEnabled     bool
	PushSubscription   *PushSubscription
	BrowserPushEnabled bool
	QuietHoursStart    *string
	QuietHoursEnd      *string
}

// PushSubscription is the standard Web Push subscription object (spec.md §6).
type PushSubscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// Watchlist is the read port over WatchedStock/MonitorRule/StockRuleAssociation
// the replay path (internal/cronjob) needs to discover what to evaluate.
type Watchlist interface {
	// ActiveAssociations returns every StockRuleAssociation, along with its
	// WatchedStock and MonitorRule, for which all three of
	// rule.enabled, association.enabled, and watchedStock.monitored hold.
	ActiveAssociations(ctx context.Context) ([]ActiveAssociation, error)
}

// ActiveAssociation is a denormalized join row: everything the replay
// evaluator needs about one (user, stock, rule) triple in one record.
type ActiveAssociation struct {
	UserID   string
	TSCode   string
	RuleID   string
	RuleType rules.Kind
	RuleName string
	Config   Config
}

// AlertRecords is the write port for persisted alerts (C6 step 1 and 5).
type AlertRecords interface {
	// Insert writes a new AlertRecord with Notified=false and returns its ID.
	Insert(ctx context.Context, rec AlertRecord) (string, error)
	// MarkNotified updates exactly the record identified by id (its primary
	// key), never a broader equality predicate, resolving the duplicate-write
	// risk noted for concurrent opens of the same (user, tsCode, alertType).
	MarkNotified(ctx context.Context, id string) error
}

// NotificationSettingsStore is the read port for per-user delivery preferences.
type NotificationSettingsStore interface {
	// Get returns ErrNotFound if the user has no settings record, which the
	// dispatcher treats as "all channels disabled" per spec.md §4.6 step 2.
	Get(ctx context.Context, userID string) (NotificationSettings, error)
	// InvalidatePushSubscription clears a subscription that a Web Push
	// endpoint reported as gone (HTTP 410).
	InvalidatePushSubscription(ctx context.Context, userID string) error
}

// InMemory is a single-process reference implementation of Watchlist,
// AlertRecords, and NotificationSettingsStore, used by cmd/gateway and by
// tests.
type InMemory struct {
	mu sync.RWMutex

	watchedStocks map[string]WatchedStock
	rulesByID     map[string]MonitorRule
	associations  map[string]StockRuleAssociation
	alerts        map[string]AlertRecord
	settings      map[string]NotificationSettings

	nextID int
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		watchedStocks: make(map[string]WatchedStock),
		rulesByID:     make(map[string]MonitorRule),
		associations:  make(map[string]StockRuleAssociation),
		alerts:        make(map[string]AlertRecord),
		settings:      make(map[string]NotificationSettings),
	}
}

func (m *InMemory) allocID() string {
	m.nextID++
	return time.Now().UTC().Format("20060102150405") + "-" + strconv.Itoa(m.nextID)
}

// PutWatchedStock upserts a WatchedStock for tests/seeding.
func (m *InMemory) PutWatchedStock(ws WatchedStock) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws.ID == "" {
		ws.ID = m.allocID()
	}
	m.watchedStocks[ws.ID] = ws
	return ws.ID
}

// PutRule upserts a MonitorRule for tests/seeding.
func (m *InMemory) PutRule(r MonitorRule) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = m.allocID()
	}
	m.rulesByID[r.ID] = r
	return r.ID
}

// PutAssociation upserts a StockRuleAssociation for tests/seeding.
func (m *InMemory) PutAssociation(a StockRuleAssociation) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = m.allocID()
	}
	m.associations[a.ID] = a
	return a.ID
}

// PutNotificationSettings upserts settings for one user.
func (m *InMemory) PutNotificationSettings(s NotificationSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.UserID] = s
}

// ActiveAssociations implements Watchlist.
func (m *InMemory) ActiveAssociations(ctx context.Context) ([]ActiveAssociation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ActiveAssociation
	for _, assoc := range m.associations {
		if !assoc.Enabled {
			continue
		}
		ws, ok := m.watchedStocks[assoc.WatchedStockID]
		if !ok || !ws.Monitored {
			continue
		}
		rule, ok := m.rulesByID[assoc.RuleID]
		if !ok || !rule.Enabled {
			continue
		}
		out = append(out, ActiveAssociation{
			UserID:   assoc.UserID,
			TSCode:   ws.TSCode,
			RuleID:   rule.ID,
			RuleType: rule.RuleType,
			RuleName: rule.RuleName,
			Config:   rule.Config,
		})
	}
	return out, nil
}

// Insert implements AlertRecords.
func (m *InMemory) Insert(ctx context.Context, rec AlertRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = m.allocID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.alerts[rec.ID] = rec
	return rec.ID, nil
}

// MarkNotified implements AlertRecords, updating strictly by primary key.
func (m *InMemory) MarkNotified(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	rec.Notified = true
	m.alerts[id] = rec
	return nil
}

// Get implements NotificationSettingsStore.
func (m *InMemory) Get(ctx context.Context, userID string) (NotificationSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[userID]
	if !ok {
		return NotificationSettings{}, ErrNotFound
	}
	return s, nil
}

// InvalidatePushSubscription implements NotificationSettingsStore.
func (m *InMemory) InvalidatePushSubscription(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return ErrNotFound
	}
	s.PushSubscription = nil
	s.BrowserPushEnabled = false
	m.settings[userID] = s
	return nil
}

// Alert returns the stored record for id, for tests to assert on.
func (m *InMemory) Alert(id string) (AlertRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.alerts[id]
	return rec, ok
}

// AllAlerts returns every stored record, for tests to assert on.
func (m *InMemory) AllAlerts() []AlertRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AlertRecord, 0, len(m.alerts))
	for _, rec := range m.alerts {
		out = append(out, rec)
	}
	return out
}
