package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/subindex"
)

type fakeSource struct {
	quotesByCode map[string]quotes.Quote
}

func (f *fakeSource) FetchBatch(ctx context.Context, codes []string) (map[string]quotes.Quote, map[string]struct{}) {
	out := make(map[string]quotes.Quote)
	for _, c := range codes {
		if q, ok := f.quotesByCode[c]; ok {
			out[c] = q
		}
	}
	return out, nil
}

type fakeDispatcher struct {
	mu  sync.Mutex
	got map[string][][]byte
}

func (f *fakeDispatcher) SendTo(userID string, msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.got == nil {
		f.got = make(map[string][][]byte)
	}
	f.got[userID] = append(f.got[userID], msg)
	return true
}

func TestTickDispatchesToSubscribers(t *testing.T) {
	idx := subindex.New()
	idx.Subscribe("u1", []string{"600519.SH"})

	source := &fakeSource{quotesByCode: map[string]quotes.Quote{
		"600519.SH": {TSCode: "600519.SH", CurrentPrice: 1700},
	}}
	dispatcher := &fakeDispatcher{}

	var processed []string
	loop := New(Config{Interval: time.Second}, source, idx, dispatcher, func(userID string, q quotes.Quote) {
		processed = append(processed, userID)
	}, zerolog.Nop())

	loop.tick(context.Background())

	if len(dispatcher.got["u1"]) != 1 {
		t.Fatalf("expected 1 message dispatched to u1, got %d", len(dispatcher.got["u1"]))
	}
	if len(processed) != 1 || processed[0] != "u1" {
		t.Errorf("expected processor invoked for u1, got %v", processed)
	}
}

func TestTickSkipsWhenNoSubscriptions(t *testing.T) {
	idx := subindex.New()
	source := &fakeSource{}
	dispatcher := &fakeDispatcher{}
	loop := New(Config{Interval: time.Second}, source, idx, dispatcher, nil, zerolog.Nop())

	loop.tick(context.Background())

	if len(dispatcher.got) != 0 {
		t.Errorf("expected no dispatch with no subscriptions, got %v", dispatcher.got)
	}
}
