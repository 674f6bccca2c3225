package gateway

import (
	"testing"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
)

func TestSeverityForRuleType(t *testing.T) {
	cases := []struct {
		kind rules.Kind
		want string
	}{
		{rules.KindLimitDown, "error"},
		{rules.KindLimitUp, "warning"},
		{rules.KindVolumeSpike, "warning"},
		{rules.KindPriceChange, "info"},
		{rules.KindPriceBreakout, "info"},
	}
	for _, c := range cases {
		if got := severityForRuleType(c.kind); got != c.want {
			t.Errorf("severityForRuleType(%s) = %q, want %q", c.kind, got, c.want)
		}
	}
}
