package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/session"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/storage"
)

// RuleProviderCache adapts storage.Watchlist into session.RuleProvider by
// periodically snapshotting ActiveAssociations into a (userID, tsCode)
// index, so a session's ProcessQuote never performs storage I/O on the
// per-tick hot path (spec.md §5's no-suspension-while-holding-locks rule
// extends naturally to "no I/O on the quote delivery path").
type RuleProviderCache struct {
	watchlist storage.Watchlist

	mu    sync.RWMutex
	index map[string][]session.RuleBinding // key: userID|tsCode
}

// NewRuleProviderCache builds an empty cache; call Refresh before serving
// traffic and periodically thereafter.
func NewRuleProviderCache(watchlist storage.Watchlist) *RuleProviderCache {
	return &RuleProviderCache{watchlist: watchlist, index: make(map[string][]session.RuleBinding)}
}

// Refresh reloads the snapshot from storage.
func (c *RuleProviderCache) Refresh(ctx context.Context) error {
	assocs, err := c.watchlist.ActiveAssociations(ctx)
	if err != nil {
		return err
	}

	next := make(map[string][]session.RuleBinding, len(assocs))
	for _, a := range assocs {
		key := a.UserID + "|" + a.TSCode
		next[key] = append(next[key], session.RuleBinding{
			RuleID:   a.RuleID,
			RuleName: a.RuleName,
			Config:   a.Config.Decoded,
		})
	}

	c.mu.Lock()
	c.index = next
	c.mu.Unlock()
	return nil
}

// RulesForStock implements session.RuleProvider.
func (c *RuleProviderCache) RulesForStock(userID, tsCode string) []session.RuleBinding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index[userID+"|"+tsCode]
}

// RunRefresh reloads the snapshot on a fixed interval until ctx is
// cancelled, logging failures without giving up (a stale cache is safer
// than one that stops updating entirely).
func (c *RuleProviderCache) RunRefresh(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
