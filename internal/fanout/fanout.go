// Package fanout implements the Fan-out Loop (spec.md §4.4): a fixed-cadence
// driver that pulls the union of subscribed codes, fetches via the Quote
// Source Adapter, and dispatches through the Connection Registry using the
// Subscription Index.
package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/registry"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/subindex"
)

// QuoteSource is the subset of quotes.Adapter the loop depends on, so tests
// and WS_TEST_MODE can substitute a synthetic generator (internal/testgen).
type QuoteSource interface {
	FetchBatch(ctx context.Context, codes []string) (map[string]quotes.Quote, map[string]struct{})
}

// Dispatcher is the subset of registry.Registry the loop depends on.
type Dispatcher interface {
	SendTo(userID string, msg []byte) bool
}

// QuoteProcessor lets the caller run per-session rule evaluation and emit
// alert/notification frames before or alongside the raw stock_update send.
// The gateway wires this to session.Session.ProcessQuote.
type QuoteProcessor func(userID string, q quotes.Quote)

// BroadcastLimiter rate-limits the loop's per-stock fan-out operations, so a
// subscription spike does not translate directly into an unbounded burst of
// socket writes. The gateway wires this to resources.Guard.
type BroadcastLimiter interface {
	AllowBroadcast() bool
}

// Loop drives C1+C2+C3 on a fixed cadence.
type Loop struct {
	source     QuoteSource
	subindex   *subindex.Index
	dispatcher Dispatcher
	processor  QuoteProcessor
	limiter    BroadcastLimiter
	interval   time.Duration
	logger     zerolog.Logger
}

// Config configures the loop's cadence.
type Config struct {
	Interval time.Duration
}

// New builds a Loop. processor may be nil if per-session rule evaluation is
// driven elsewhere.
func New(cfg Config, source QuoteSource, idx *subindex.Index, dispatcher Dispatcher, processor QuoteProcessor, logger zerolog.Logger) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1000 * time.Millisecond
	}
	return &Loop{
		source:     source,
		subindex:   idx,
		dispatcher: dispatcher,
		processor:  processor,
		interval:   interval,
		logger:     logger.With().Str("component", "fanout").Logger(),
	}
}

// WithLimiter attaches a BroadcastLimiter, rate-limiting per-stock dispatch
// operations. Call before Run.
func (l *Loop) WithLimiter(limiter BroadcastLimiter) *Loop {
	l.limiter = limiter
	return l
}

// Run blocks, ticking every interval until ctx is cancelled. Per spec.md §5,
// the loop may start tick N+1 before tick N's sends are fully flushed, but
// this implementation runs ticks sequentially for simplicity; monotonic
// per-user-per-stock ordering is preserved either way since quotes.Adapter
// and subindex snapshots are read fresh each tick.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	codes := l.subindex.AllSubscribedCodes()
	if len(codes) == 0 {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results, _ := l.source.FetchBatch(fetchCtx, codes)
	for code, quote := range results {
		l.dispatchQuote(code, quote)
	}
}

func (l *Loop) dispatchQuote(code string, quote quotes.Quote) {
	users := l.subindex.SubscribersOf(code)
	if len(users) == 0 {
		return
	}
	if l.limiter != nil && !l.limiter.AllowBroadcast() {
		l.logger.Debug().Str("ts_code", code).Msg("broadcast dropped by resource guard rate limit")
		return
	}

	msg, err := json.Marshal(struct {
		Type    string       `json:"type"`
		Payload quotes.Quote `json:"payload"`
	}{Type: "stock_update", Payload: quote})
	if err != nil {
		l.logger.Error().Err(err).Str("ts_code", code).Msg("failed to encode stock_update")
		return
	}

	for _, u := range users {
		if l.processor != nil {
			l.processor(u, quote)
		}
		if !l.dispatcher.SendTo(u, msg) {
			l.logger.Debug().Str("user_id", u).Str("ts_code", code).Msg("stock_update dropped (backpressure or no connection)")
		}
	}
}

// compile-time interface checks
var _ QuoteSource = (*quotes.Adapter)(nil)
var _ Dispatcher = (*registry.Registry)(nil)
