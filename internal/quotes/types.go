// Package quotes implements the Quote Source Adapter (spec.md §4.1): batched
// polling of the upstream text quote endpoint, normalised into Quote values.
package quotes

import (
	"fmt"
	"regexp"
	"strings"
)

// tsCodePattern matches exchange-qualified codes like "600519.SH".
var tsCodePattern = regexp.MustCompile(`^\d{6}\.(SH|SZ|BJ)$`)

// ValidTSCode reports whether code matches ^\d{6}\.(SH|SZ|BJ)$ case-insensitively.
func ValidTSCode(code string) bool {
	return tsCodePattern.MatchString(strings.ToUpper(code))
}

// Quote is a snapshot of a stock at an instant, per spec.md §3.
type Quote struct {
	TSCode        string  `json:"tsCode"`
	Name          string  `json:"name"`
	CurrentPrice  float64 `json:"currentPrice"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PreClose      float64 `json:"preClose"`
	Volume        float64 `json:"volume"`
	Amount        float64 `json:"amount"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	TimestampMS   int64   `json:"timestamp"`
}

// computeDerived fills Change and ChangePercent from CurrentPrice/PreClose,
// per spec.md §3: changePercent is 0 when preClose <= 0.
func (q *Quote) computeDerived() {
	q.Change = q.CurrentPrice - q.PreClose
	if q.PreClose > 0 {
		q.ChangePercent = q.Change / q.PreClose * 100
	} else {
		q.ChangePercent = 0
	}
}

// sinaSymbol converts a TSCode to the upstream's lowercase
// {exchange-prefix}{symbol} form, e.g. "600519.SH" -> "sh600519".
func sinaSymbol(tsCode string) (string, error) {
	parts := strings.SplitN(tsCode, ".", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed ts code %q", tsCode)
	}
	symbol, exchange := parts[0], strings.ToUpper(parts[1])
	switch exchange {
	case "SH":
		return "sh" + symbol, nil
	case "SZ":
		return "sz" + symbol, nil
	case "BJ":
		return "bj" + symbol, nil
	default:
		return "", fmt.Errorf("unknown exchange in ts code %q", tsCode)
	}
}
