package rules

import (
	"fmt"
	"math"
)

// Status is the lifecycle of one (tsCode, ruleType) condition.
type Status int

const (
	// StatusAbsent means the condition is not currently true; no alert is open.
	StatusAbsent Status = iota
	// StatusOpen means the condition just became true this tick. The caller
	// must notify downstream exactly once when a check transitions into this
	// status.
	StatusOpen
	// StatusActive means the condition remains true but was already notified.
	StatusActive
)

// AlertState tracks one (tsCode, ruleType) condition across ticks.
type AlertState struct {
	Status      Status
	OpenTimeMS  int64
	LastCheckMS int64
	TriggerData map[string]interface{}
}

// Signal is the outcome of evaluating one rule against one tick.
type Signal int

const (
	// SignalNop means no status transition occurred.
	SignalNop Signal = iota
	// SignalOpened means the state transitioned into StatusOpen this tick;
	// the caller should dispatch a notification.
	SignalOpened
	// SignalClosed means a previously open/active condition cleared.
	SignalClosed
)

// Tick is the per-evaluation snapshot of a stock passed to rule evaluators.
// PrevPrice is the price as of the immediately preceding tick for the same
// stock (0 if this is the first tick seen), captured by the caller before it
// folds the current sample into Window — Window's own retained points are
// compressed and cannot stand in for "the previous tick" once a sample gets
// deduplicated away.
type Tick struct {
	TimestampMS   int64
	Price         float64
	Open          float64
	ChangePercent float64
	Volume        float64
	PrevPrice     float64
	Window        *TimeWindow
}

// Evaluate runs cfg against tick and the prior state, returning the updated
// state and the signal the caller should act on. state may be the zero
// value (StatusAbsent) on first evaluation for a given (tsCode, ruleType).
func Evaluate(cfg Config, state AlertState, tick Tick) (AlertState, Signal, error) {
	switch cfg.Kind {
	case KindPriceChange:
		t := cfg.PriceChange.ThresholdPercent
		data := func() map[string]interface{} { return priceChangeData(tick, t) }
		// price_change is direction-agnostic: spec.md §4.5(1) opens on
		// |changePercent| >= T, so both legs are compared against the
		// absolute move rather than the signed one limit_up/limit_down rely on.
		return evalThreshold(state, tick, math.Abs(tick.ChangePercent), t, data)
	case KindVolumeSpike:
		return evalVolumeSpike(*cfg.VolumeSpike, state, tick)
	case KindLimitUp:
		t := cfg.Limit.ThresholdPercent
		limit := t * 0.99
		data := func() map[string]interface{} { return limitData(tick, t, limit) }
		return evalThreshold(state, tick, tick.ChangePercent, limit, data)
	case KindLimitDown:
		t := cfg.Limit.ThresholdPercent
		limit := t * 0.99
		data := func() map[string]interface{} { return limitData(tick, t, -limit) }
		return evalThreshold(state, tick, -tick.ChangePercent, limit, data)
	case KindPriceBreakout:
		return evalBreakout(*cfg.Breakout, state, tick)
	default:
		return state, SignalNop, fmt.Errorf("unknown rule kind %q", cfg.Kind)
	}
}

// evalThreshold implements the shared open-at-T/close-at-0.95T envelope
// used by price_change and the (already sign-normalized) limit rules:
// open when signedValue >= threshold, close when signedValue < 0.95*threshold.
// data is evaluated lazily since it is only needed on the opening tick.
func evalThreshold(state AlertState, tick Tick, signedValue, threshold float64, data func() map[string]interface{}) (AlertState, Signal, error) {
	state.LastCheckMS = tick.TimestampMS

	triggered := signedValue >= threshold
	closeBound := 0.95 * threshold

	switch state.Status {
	case StatusAbsent:
		if triggered {
			state.Status = StatusOpen
			state.OpenTimeMS = tick.TimestampMS
			state.TriggerData = data()
			return state, SignalOpened, nil
		}
		return state, SignalNop, nil

	case StatusOpen, StatusActive:
		if signedValue < closeBound {
			state = AlertState{LastCheckMS: tick.TimestampMS}
			return state, SignalClosed, nil
		}
		state.Status = StatusActive
		return state, SignalNop, nil
	}

	return state, SignalNop, nil
}

// priceChangeData builds the price_change trigger payload per spec.md §4.5(1).
func priceChangeData(tick Tick, threshold float64) map[string]interface{} {
	return map[string]interface{}{
		"threshold":     threshold,
		"changePercent": tick.ChangePercent,
		"currentPrice":  tick.Price,
		"open":          tick.Open,
	}
}

// limitData builds the limit_up/limit_down trigger payload per spec.md
// §4.5(3)/(4). limitThreshold is L, already signed for the rule's direction.
func limitData(tick Tick, threshold, limitThreshold float64) map[string]interface{} {
	return map[string]interface{}{
		"threshold":      threshold,
		"changePercent":  tick.ChangePercent,
		"currentPrice":   tick.Price,
		"limitThreshold": limitThreshold,
	}
}

// evalVolumeSpike implements spec.md §4.5(2): open when
// currentIncrement/averageIncrement >= multiplier (close below 0.95x), with
// an optional directional refinement requiring the concurrent price change
// to also meet priceChangeThreshold in priceDirection.
func evalVolumeSpike(cfg VolumeSpikeConfig, state AlertState, tick Tick) (AlertState, Signal, error) {
	state.LastCheckMS = tick.TimestampMS

	if tick.Window == nil {
		return state, SignalNop, fmt.Errorf("volume_spike requires a time window")
	}

	avg := tick.Window.AverageIncrement(tick.TimestampMS, cfg.PeriodMinutes)
	cur := tick.Window.CurrentIncrement(tick.TimestampMS)

	var ratio float64
	if avg > 0 {
		ratio = cur / avg
	}

	triggered := ratio >= cfg.Multiplier
	if triggered && cfg.PriceChangeThreshold != nil {
		switch cfg.PriceDirection {
		case "up":
			triggered = tick.ChangePercent >= *cfg.PriceChangeThreshold
		case "down":
			triggered = tick.ChangePercent <= -*cfg.PriceChangeThreshold
		}
	}
	closeBound := 0.95 * cfg.Multiplier

	switch state.Status {
	case StatusAbsent:
		if triggered {
			state.Status = StatusOpen
			state.OpenTimeMS = tick.TimestampMS
			state.TriggerData = map[string]interface{}{
				"inc_now":    cur,
				"inc_avg":    avg,
				"ratio":      ratio,
				"multiplier": cfg.Multiplier,
				"period":     cfg.PeriodMinutes,
			}
			return state, SignalOpened, nil
		}
		return state, SignalNop, nil

	case StatusOpen, StatusActive:
		if ratio < closeBound {
			state = AlertState{LastCheckMS: tick.TimestampMS}
			return state, SignalClosed, nil
		}
		state.Status = StatusActive
		return state, SignalNop, nil
	}

	return state, SignalNop, nil
}

// evalBreakout implements spec.md §4.5(5): strictly crossing the breakout
// price on this tick relative to the immediately preceding tick's price,
// rather than merely being beyond it (so a stock that gaps open past the
// level and stays there triggers once, on the crossing tick only, and
// AlertState's Status tracks the "already notified for this crossing"
// debounce rather than a sustained threshold).
func evalBreakout(cfg BreakoutConfig, state AlertState, tick Tick) (AlertState, Signal, error) {
	state.LastCheckMS = tick.TimestampMS

	if tick.PrevPrice == 0 {
		return state, SignalNop, nil
	}

	var crossed bool
	switch cfg.BreakoutDirection {
	case "up":
		crossed = tick.PrevPrice < cfg.BreakoutPrice && tick.Price >= cfg.BreakoutPrice
	case "down":
		crossed = tick.PrevPrice > cfg.BreakoutPrice && tick.Price <= cfg.BreakoutPrice
	default:
		return state, SignalNop, fmt.Errorf("breakoutDirection must be up or down, got %q", cfg.BreakoutDirection)
	}

	if state.Status == StatusAbsent {
		if crossed {
			state.Status = StatusOpen
			state.OpenTimeMS = tick.TimestampMS
			state.TriggerData = map[string]interface{}{
				"price":         tick.Price,
				"breakoutPrice": cfg.BreakoutPrice,
			}
			return state, SignalOpened, nil
		}
		return state, SignalNop, nil
	}

	// price_breakout has no sustained "active" condition to track: once
	// notified, the state resets so the next crossing can re-trigger.
	state = AlertState{LastCheckMS: tick.TimestampMS}
	return state, SignalClosed, nil
}
