// Package rules implements the Rule Engine (spec.md §4.5): per-session,
// per-(tsCode, ruleType) state machines that turn the quote stream into a
// sparse sequence of alert open/close events.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind enumerates the five supported rule kinds (spec.md §3 MonitorRule).
type Kind string

const (
	KindPriceChange   Kind = "price_change"
	KindVolumeSpike   Kind = "volume_spike"
	KindLimitUp       Kind = "limit_up"
	KindLimitDown     Kind = "limit_down"
	KindPriceBreakout Kind = "price_breakout"
)

// PriceChangeConfig backs the price_change rule kind.
type PriceChangeConfig struct {
	ThresholdPercent float64 `json:"threshold"`
}

// VolumeSpikeConfig backs the volume_spike rule kind. PriceChangeThreshold
// and PriceDirection are the optional directional refinement from
// spec.md §4.5(2).
type VolumeSpikeConfig struct {
	Multiplier           float64  `json:"multiplier"`
	PeriodMinutes        float64  `json:"period"`
	PriceChangeThreshold *float64 `json:"priceChangeThreshold,omitempty"`
	PriceDirection       string   `json:"priceDirection,omitempty"` // "up" | "down"
}

// LimitConfig backs limit_up and limit_down. ThresholdPercent defaults to
// 10 when the config omits it (spec.md §4.5(3)).
type LimitConfig struct {
	ThresholdPercent float64 `json:"threshold"`
}

// BreakoutConfig backs price_breakout.
type BreakoutConfig struct {
	BreakoutPrice     float64 `json:"breakoutPrice"`
	BreakoutDirection string  `json:"breakoutDirection"` // "up" | "down"
}

// Config is a tagged variant: exactly one of the typed fields is populated,
// selected by Kind. Unknown keys in the raw JSON are rejected at decode
// time rather than silently ignored by the engine (spec.md §9).
type Config struct {
	Kind Kind

	PriceChange *PriceChangeConfig
	VolumeSpike *VolumeSpikeConfig
	Limit       *LimitConfig
	Breakout    *BreakoutConfig
}

// DecodeConfig decodes raw into the Config arm selected by kind.
func DecodeConfig(kind Kind, raw json.RawMessage) (Config, error) {
	cfg := Config{Kind: kind}

	decode := func(v interface{}) error {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}

	switch kind {
	case KindPriceChange:
		var c PriceChangeConfig
		if err := decode(&c); err != nil {
			return Config{}, fmt.Errorf("decode price_change config: %w", err)
		}
		cfg.PriceChange = &c

	case KindVolumeSpike:
		var c VolumeSpikeConfig
		if err := decode(&c); err != nil {
			return Config{}, fmt.Errorf("decode volume_spike config: %w", err)
		}
		if c.PriceDirection != "" && c.PriceDirection != "up" && c.PriceDirection != "down" {
			return Config{}, fmt.Errorf("priceDirection must be up or down, got %q", c.PriceDirection)
		}
		cfg.VolumeSpike = &c

	case KindLimitUp, KindLimitDown:
		var c LimitConfig
		if err := decode(&c); err != nil {
			return Config{}, fmt.Errorf("decode %s config: %w", kind, err)
		}
		if c.ThresholdPercent == 0 {
			c.ThresholdPercent = 10
		}
		cfg.Limit = &c

	case KindPriceBreakout:
		var c BreakoutConfig
		if err := decode(&c); err != nil {
			return Config{}, fmt.Errorf("decode price_breakout config: %w", err)
		}
		if c.BreakoutDirection != "up" && c.BreakoutDirection != "down" {
			return Config{}, fmt.Errorf("breakoutDirection must be up or down, got %q", c.BreakoutDirection)
		}
		cfg.Breakout = &c

	default:
		return Config{}, fmt.Errorf("unknown rule kind %q", kind)
	}

	return cfg, nil
}
