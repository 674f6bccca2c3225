package gateway

import (
	"context"
	"testing"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/storage"
)

func TestRuleProviderCacheRefreshPopulatesIndex(t *testing.T) {
	store := storage.NewInMemory()
	wsID := store.PutWatchedStock(storage.WatchedStock{UserID: "u1", TSCode: "600519.SH", Monitored: true})
	ruleID := store.PutRule(storage.MonitorRule{
		UserID: "u1", RuleType: rules.KindLimitUp, RuleName: "limit up", Enabled: true,
		Config: storage.Config{Decoded: rules.Config{Kind: rules.KindLimitUp}},
	})
	store.PutAssociation(storage.StockRuleAssociation{UserID: "u1", WatchedStockID: wsID, RuleID: ruleID, Enabled: true})

	cache := NewRuleProviderCache(store)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bindings := cache.RulesForStock("u1", "600519.SH")
	if len(bindings) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(bindings))
	}
	if bindings[0].RuleName != "limit up" {
		t.Errorf("unexpected rule name %q", bindings[0].RuleName)
	}
}

func TestRuleProviderCacheMissReturnsNil(t *testing.T) {
	store := storage.NewInMemory()
	cache := NewRuleProviderCache(store)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bindings := cache.RulesForStock("nobody", "600519.SH"); bindings != nil {
		t.Errorf("expected nil bindings for unknown pair, got %v", bindings)
	}
}
