package subindex

import "testing"

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestBidirectionalInvariant(t *testing.T) {
	ix := New()
	ix.Subscribe("u1", []string{"600519.SH", "000001.SZ"})
	ix.Subscribe("u2", []string{"600519.SH"})

	for _, code := range ix.StocksOf("u1") {
		if !contains(ix.SubscribersOf(code), "u1") {
			t.Errorf("u1 subscribed to %s but not in subscribersOf", code)
		}
	}
	if !contains(ix.SubscribersOf("600519.SH"), "u2") {
		t.Error("u2 should be a subscriber of 600519.SH")
	}

	ix.Unsubscribe("u1", []string{"600519.SH"})
	if contains(ix.StocksOf("u1"), "600519.SH") {
		t.Error("600519.SH should no longer be in u1's set")
	}
	if contains(ix.SubscribersOf("600519.SH"), "u1") {
		t.Error("u1 should no longer be a subscriber of 600519.SH")
	}
	if !contains(ix.SubscribersOf("600519.SH"), "u2") {
		t.Error("u2 should still be subscribed to 600519.SH")
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	ix := New()
	ix.Subscribe("u1", []string{"600519.SH"})
	ix.Subscribe("u1", []string{"600519.SH"})
	if got := len(ix.StocksOf("u1")); got != 1 {
		t.Errorf("expected 1 stock after duplicate subscribe, got %d", got)
	}
}

func TestUnsubscribeNotSubscribedIsNoop(t *testing.T) {
	ix := New()
	ix.Subscribe("u1", []string{"600519.SH"})
	ix.Unsubscribe("u1", []string{"000001.SZ"})
	if got := len(ix.StocksOf("u1")); got != 1 {
		t.Errorf("expected unrelated unsubscribe to be a no-op, got %d stocks", got)
	}
}

func TestUnsubscribeAllEmptiesUser(t *testing.T) {
	ix := New()
	ix.Subscribe("u1", []string{"600519.SH", "000001.SZ"})
	ix.UnsubscribeAll("u1")
	if got := ix.StocksOf("u1"); len(got) != 0 {
		t.Errorf("expected empty set after unsubscribeAll, got %v", got)
	}
	if contains(ix.SubscribersOf("600519.SH"), "u1") {
		t.Error("u1 should be removed from every stock's subscriber set")
	}
}

func TestInvalidCodesRejected(t *testing.T) {
	ix := New()
	accepted, rejected := ix.Subscribe("u1", []string{"600519.SH", "bad-code"})
	if len(accepted) != 1 || accepted[0] != "600519.SH" {
		t.Errorf("expected only the valid code accepted, got %v", accepted)
	}
	if len(rejected) != 1 || rejected[0] != "bad-code" {
		t.Errorf("expected invalid code rejected, got %v", rejected)
	}
}

func TestAllSubscribedCodesUnion(t *testing.T) {
	ix := New()
	ix.Subscribe("u1", []string{"600519.SH"})
	ix.Subscribe("u2", []string{"000001.SZ"})
	codes := ix.AllSubscribedCodes()
	if !contains(codes, "600519.SH") || !contains(codes, "000001.SZ") {
		t.Errorf("expected union of all codes, got %v", codes)
	}
}
