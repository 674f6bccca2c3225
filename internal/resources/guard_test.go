package resources

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestShouldAcceptConnectionEnforcesMaxConnections(t *testing.T) {
	g := New(Limits{MaxConnections: 2}, zerolog.Nop())

	g.AddConnection()
	if accept, _ := g.ShouldAcceptConnection(); !accept {
		t.Fatal("expected acceptance below the limit")
	}

	g.AddConnection()
	accept, reason := g.ShouldAcceptConnection()
	if accept {
		t.Fatal("expected rejection at the connection limit")
	}
	if reason == "" {
		t.Error("expected a non-empty rejection reason")
	}

	g.RemoveConnection()
	if accept, _ := g.ShouldAcceptConnection(); !accept {
		t.Error("expected acceptance after a connection closed")
	}
}

func TestShouldAcceptConnectionUnboundedWhenZero(t *testing.T) {
	g := New(Limits{}, zerolog.Nop())
	for i := 0; i < 1000; i++ {
		g.AddConnection()
	}
	if accept, _ := g.ShouldAcceptConnection(); !accept {
		t.Error("expected no rejection when MaxConnections is unset")
	}
}

func TestAllowBroadcastNilLimiterAlwaysAllows(t *testing.T) {
	g := New(Limits{}, zerolog.Nop())
	if !g.AllowBroadcast() {
		t.Error("expected AllowBroadcast to pass through when no rate is configured")
	}
}

func TestAllowBroadcastEnforcesRate(t *testing.T) {
	g := New(Limits{MaxBroadcastsPerSec: 1}, zerolog.Nop())
	allowed := 0
	for i := 0; i < 10; i++ {
		if g.AllowBroadcast() {
			allowed++
		}
	}
	if allowed == 10 {
		t.Error("expected the rate limiter to reject at least one of 10 rapid calls")
	}
}

func TestDefaultMaxConnectionsFallsBackWithNoCgroupLimit(t *testing.T) {
	if got := DefaultMaxConnections(0); got != 10000 {
		t.Errorf("expected flat fallback of 10000, got %d", got)
	}
}

func TestDefaultMaxConnectionsScalesWithMemory(t *testing.T) {
	got := DefaultMaxConnections(512 * 1024 * 1024)
	if got < 100 || got > 50000 {
		t.Errorf("expected a bounded connection count, got %d", got)
	}
}
