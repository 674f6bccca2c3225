// Package subindex implements the Subscription Index (spec.md §4.2): a
// bidirectional map between users and stock codes.
package subindex

import (
	"sync"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
)

// Index maintains code ∈ stocksOf(u) ⇔ u ∈ subscribersOf(code) across any
// sequence of Subscribe/Unsubscribe/UnsubscribeAll calls. A single RWMutex
// guards both directions so writers mutate them atomically; this is a
// read-many/write-few structure, so critical sections stay short and no I/O
// ever happens while the lock is held (spec.md §5).
type Index struct {
	mu          sync.RWMutex
	userToCodes map[string]map[string]struct{}
	codeToUsers map[string]map[string]struct{}
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		userToCodes: make(map[string]map[string]struct{}),
		codeToUsers: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds both directions for the given user/codes pairs. Invalid
// codes (per quotes.ValidTSCode) are dropped silently; callers collect the
// rejects from the Rejected return value. Idempotent per pair.
func (ix *Index) Subscribe(userID string, codes []string) (accepted, rejected []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, code := range codes {
		if !quotes.ValidTSCode(code) {
			rejected = append(rejected, code)
			continue
		}

		if ix.userToCodes[userID] == nil {
			ix.userToCodes[userID] = make(map[string]struct{})
		}
		ix.userToCodes[userID][code] = struct{}{}

		if ix.codeToUsers[code] == nil {
			ix.codeToUsers[code] = make(map[string]struct{})
		}
		ix.codeToUsers[code][userID] = struct{}{}

		accepted = append(accepted, code)
	}
	return accepted, rejected
}

// Unsubscribe removes both directions for the given pairs. A no-op for
// pairs that were never subscribed. Drops empty sets from both maps.
func (ix *Index) Unsubscribe(userID string, codes []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, code := range codes {
		if set, ok := ix.userToCodes[userID]; ok {
			delete(set, code)
			if len(set) == 0 {
				delete(ix.userToCodes, userID)
			}
		}
		if set, ok := ix.codeToUsers[code]; ok {
			delete(set, userID)
			if len(set) == 0 {
				delete(ix.codeToUsers, code)
			}
		}
	}
}

// UnsubscribeAll removes userID from every stock set. Called on disconnect.
func (ix *Index) UnsubscribeAll(userID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for code := range ix.userToCodes[userID] {
		if set, ok := ix.codeToUsers[code]; ok {
			delete(set, userID)
			if len(set) == 0 {
				delete(ix.codeToUsers, code)
			}
		}
	}
	delete(ix.userToCodes, userID)
}

// StocksOf returns a snapshot of the codes userID is subscribed to.
func (ix *Index) StocksOf(userID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return setToSlice(ix.userToCodes[userID])
}

// SubscribersOf returns a snapshot of the users subscribed to code.
func (ix *Index) SubscribersOf(code string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return setToSlice(ix.codeToUsers[code])
}

// AllSubscribedCodes returns the union of every subscribed code, the input
// to one fan-out tick (spec.md §4.4 step 1).
func (ix *Index) AllSubscribedCodes() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	codes := make([]string, 0, len(ix.codeToUsers))
	for code := range ix.codeToUsers {
		codes = append(codes, code)
	}
	return codes
}

// Stats returns the current code and subscriber-pair counts, for the
// gateway_subscribed_stocks and gateway_subscriptions_active Prometheus gauges.
func (ix *Index) Stats() (codes, subscriberPairs int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	codes = len(ix.codeToUsers)
	for _, users := range ix.codeToUsers {
		subscriberPairs += len(users)
	}
	return codes, subscriberPairs
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
