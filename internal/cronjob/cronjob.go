// Package cronjob implements the scheduled trigger (spec.md §6): the
// `GET /cron/check-monitors` HTTP handler that replays every active
// StockRuleAssociation against the latest quote, advances its AlertState,
// and publishes opened alerts onto the internal bus. The gateway instance
// holding the user's live connection picks them up and runs the
// Notification Dispatcher; an alert for a user with no live connection, or
// opened while the handler has no publisher, is counted but not dispatched.
package cronjob

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/alertbus"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/metrics"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/storage"
)

// QuoteSource is the subset of the Quote Source Adapter the replay path
// needs; quotes.Adapter and testgen.Generator both satisfy it.
type QuoteSource interface {
	FetchBatch(ctx context.Context, codes []string) (map[string]quotes.Quote, map[string]struct{})
}

// AlertPublisher is the subset of alertbus.Bus the replay path needs.
type AlertPublisher interface {
	PublishAlertOpened(evt alertbus.AlertOpened) error
}

const (
	defaultTimeWindowSpanSeconds = 3600
	defaultTimeWindowCompressPct = 0.01
)

// Handler serves GET /cron/check-monitors.
type Handler struct {
	secret             string
	watchlist          storage.Watchlist
	source             QuoteSource
	publisher          AlertPublisher
	metrics            *metrics.Metrics
	logger             zerolog.Logger
	timeWindowSpanSec  int
	timeWindowCompress float64

	mu            sync.Mutex
	states        map[string]rules.AlertState  // key: userID|tsCode|ruleID
	lastPrices    map[string]float64           // key: userID|tsCode|ruleID
	windows       map[string]*rules.TimeWindow // key: tsCode, shared across users
	lastRunMinute string
	lastResult    response
}

// Config configures a Handler. TimeWindowSpanSeconds and CompressionThreshold
// mirror spec.md §6's TIME_WINDOW_SPAN/COMPRESSION_THRESHOLD_PCT knobs; zero
// values fall back to the spec's defaults (3600s / 0.01%).
type Config struct {
	Secret                string
	TimeWindowSpanSeconds int
	CompressionThreshold  float64
}

// New builds a replay handler. metricsClient may be nil.
func New(cfg Config, watchlist storage.Watchlist, source QuoteSource, publisher AlertPublisher, metricsClient *metrics.Metrics, logger zerolog.Logger) *Handler {
	spanSeconds := cfg.TimeWindowSpanSeconds
	if spanSeconds <= 0 {
		spanSeconds = defaultTimeWindowSpanSeconds
	}
	compressPct := cfg.CompressionThreshold
	if compressPct <= 0 {
		compressPct = defaultTimeWindowCompressPct
	}
	return &Handler{
		secret:             cfg.Secret,
		watchlist:          watchlist,
		source:             source,
		publisher:          publisher,
		metrics:            metricsClient,
		logger:             logger.With().Str("component", "cronjob").Logger(),
		timeWindowSpanSec:  spanSeconds,
		timeWindowCompress: compressPct,
		states:             make(map[string]rules.AlertState),
		lastPrices:         make(map[string]float64),
		windows:            make(map[string]*rules.TimeWindow),
	}
}

type response struct {
	Success   bool   `json:"success"`
	Skipped   bool   `json:"skipped,omitempty"`
	Message   string `json:"message,omitempty"`
	Checked   int    `json:"checked"`
	Triggered int    `json:"triggered"`
	Timestamp string `json:"timestamp"`
}

// ServeHTTP implements the scheduled-trigger endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(response{Success: false, Message: "unauthorized"})
		return
	}

	now := time.Now()
	if !withinTradingHours(now) {
		resp := response{Success: true, Skipped: true, Timestamp: now.UTC().Format(time.RFC3339)}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
		return
	}

	minuteKey := now.Format("200601021504")
	h.mu.Lock()
	if h.lastRunMinute == minuteKey {
		cached := h.lastResult
		h.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cached)
		return
	}
	h.mu.Unlock()

	start := time.Now()
	checked, triggered, err := h.runReplay(r.Context())
	elapsed := time.Since(start)

	resp := response{Timestamp: now.UTC().Format(time.RFC3339), Checked: checked, Triggered: triggered}
	outcome := "success"
	if err != nil {
		resp.Success = false
		resp.Message = err.Error()
		outcome = "error"
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		resp.Success = true
	}

	if h.metrics != nil {
		h.metrics.CronRun(outcome, elapsed, triggered)
	}

	h.mu.Lock()
	h.lastRunMinute = minuteKey
	h.lastResult = resp
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

// runReplay evaluates every active association against its stock's latest
// quote and publishes any rule that opens.
func (h *Handler) runReplay(ctx context.Context) (checked, triggered int, err error) {
	associations, err := h.watchlist.ActiveAssociations(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load active associations: %w", err)
	}
	if len(associations) == 0 {
		return 0, 0, nil
	}

	codes := make(map[string]struct{})
	for _, a := range associations {
		codes[a.TSCode] = struct{}{}
	}
	codeList := make([]string, 0, len(codes))
	for c := range codes {
		codeList = append(codeList, c)
	}

	quoteByCode, failed := h.source.FetchBatch(ctx, codeList)

	for _, assoc := range associations {
		if _, isFailed := failed[assoc.TSCode]; isFailed {
			continue
		}
		q, ok := quoteByCode[assoc.TSCode]
		if !ok {
			continue
		}
		checked++

		opened, evt := h.evaluate(assoc, q)
		if !opened {
			continue
		}
		triggered++
		if h.publisher == nil {
			continue
		}
		if err := h.publisher.PublishAlertOpened(evt); err != nil {
			h.logger.Error().Err(err).Str("user_id", assoc.UserID).Str("ts_code", assoc.TSCode).Msg("failed to publish alert opened event")
		}
		if h.metrics != nil {
			h.metrics.AlertOpened(string(assoc.RuleType))
		}
	}

	return checked, triggered, nil
}

func (h *Handler) evaluate(assoc storage.ActiveAssociation, q quotes.Quote) (bool, alertbus.AlertOpened) {
	stateKey := assoc.UserID + "|" + assoc.TSCode + "|" + assoc.RuleID

	h.mu.Lock()
	window, ok := h.windows[assoc.TSCode]
	if !ok {
		window = rules.NewTimeWindow(h.timeWindowSpanSec, h.timeWindowCompress)
		h.windows[assoc.TSCode] = window
	}
	prevPrice := h.lastPrices[stateKey]
	h.lastPrices[stateKey] = q.CurrentPrice
	window.Add(q.TimestampMS, q.CurrentPrice, q.Volume, q.ChangePercent)
	state := h.states[stateKey]
	h.mu.Unlock()

	tick := rules.Tick{
		TimestampMS:   q.TimestampMS,
		Price:         q.CurrentPrice,
		Open:          q.Open,
		ChangePercent: q.ChangePercent,
		Volume:        q.Volume,
		PrevPrice:     prevPrice,
		Window:        window,
	}

	newState, signal, err := rules.Evaluate(assoc.Config.Decoded, state, tick)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", assoc.UserID).Str("ts_code", assoc.TSCode).Str("rule_id", assoc.RuleID).Msg("rule evaluation failed")
		return false, alertbus.AlertOpened{}
	}

	h.mu.Lock()
	h.states[stateKey] = newState
	h.mu.Unlock()

	if signal != rules.SignalOpened {
		return false, alertbus.AlertOpened{}
	}

	return true, alertbus.AlertOpened{
		UserID:      assoc.UserID,
		TSCode:      assoc.TSCode,
		RuleType:    string(assoc.RuleType),
		RuleName:    assoc.RuleName,
		TriggerData: newState.TriggerData,
		OpenedAtMS:  q.TimestampMS,
	}
}

// withinTradingHours reports whether t falls in an Asia/Shanghai trading
// session: Mon-Fri, 09:30-11:30 or 13:00-15:00.
func withinTradingHours(t time.Time) bool {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.FixedZone("CST", 8*3600)
	}
	local := t.In(loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutesOfDay := local.Hour()*60 + local.Minute()
	morningOpen, morningClose := 9*60+30, 11*60+30
	afternoonOpen, afternoonClose := 13*60, 15*60

	if minutesOfDay >= morningOpen && minutesOfDay <= morningClose {
		return true
	}
	if minutesOfDay >= afternoonOpen && minutesOfDay <= afternoonClose {
		return true
	}
	return false
}
