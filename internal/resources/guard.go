// Package resources enforces static resource limits on the gateway process:
// a hard connection cap, CPU/memory emergency brakes sampled off gopsutil,
// and token-bucket rate limits on broadcast fan-out and alert-bus
// consumption, so one noisy upstream or a subscriber storm cannot take the
// whole process down with it.
package resources

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// Limits is the static configuration a Guard enforces. Zero values disable
// the corresponding check (e.g. MaxConnections == 0 means unbounded).
type Limits struct {
	MaxConnections       int
	CPURejectPercent     float64
	MemoryRejectBytes    int64
	MaxGoroutines        int
	MaxBroadcastsPerSec  float64
	MaxBusMessagesPerSec float64
}

// Guard tracks live resource usage and answers admission-control questions
// for the gateway shell (new WebSocket upgrades) and the alert bus consumer
// (NATS delivery). It does not calculate or auto-adjust limits; Limits is
// fixed at construction.
type Guard struct {
	limits Limits
	logger zerolog.Logger

	broadcastLimiter *rate.Limiter
	busLimiter       *rate.Limiter

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64
	currentConns  int64        // atomic
}

// New builds a Guard. currentConns should be driven by the caller via
// AddConnection/RemoveConnection as sessions are accepted and closed.
func New(limits Limits, logger zerolog.Logger) *Guard {
	g := &Guard{
		limits: limits,
		logger: logger,
	}
	if limits.MaxBroadcastsPerSec > 0 {
		g.broadcastLimiter = rate.NewLimiter(rate.Limit(limits.MaxBroadcastsPerSec), int(limits.MaxBroadcastsPerSec*2))
	}
	if limits.MaxBusMessagesPerSec > 0 {
		g.busLimiter = rate.NewLimiter(rate.Limit(limits.MaxBusMessagesPerSec), int(limits.MaxBusMessagesPerSec*2))
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))
	return g
}

// AddConnection records a newly accepted connection.
func (g *Guard) AddConnection() { atomic.AddInt64(&g.currentConns, 1) }

// RemoveConnection records a closed connection.
func (g *Guard) RemoveConnection() { atomic.AddInt64(&g.currentConns, -1) }

// ShouldAcceptConnection checks the hard connection limit and the CPU/memory
// emergency brakes, in that order, returning the first failing reason.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(&g.currentConns)
	if g.limits.MaxConnections > 0 && conns >= int64(g.limits.MaxConnections) {
		return false, fmt.Sprintf("at max connections (%d)", g.limits.MaxConnections)
	}

	cpuPct := g.currentCPU.Load().(float64)
	if g.limits.CPURejectPercent > 0 && cpuPct > g.limits.CPURejectPercent {
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpuPct, g.limits.CPURejectPercent)
	}

	memBytes := g.currentMemory.Load().(int64)
	if g.limits.MemoryRejectBytes > 0 && memBytes > g.limits.MemoryRejectBytes {
		return false, "memory limit exceeded"
	}

	if g.limits.MaxGoroutines > 0 && runtime.NumGoroutine() > g.limits.MaxGoroutines {
		return false, fmt.Sprintf("goroutine limit exceeded (%d)", g.limits.MaxGoroutines)
	}

	return true, ""
}

// AllowBroadcast reports whether a fan-out tick's dispatch should proceed,
// rate-limiting the aggregate quote-to-socket broadcast rate.
func (g *Guard) AllowBroadcast() bool {
	if g.broadcastLimiter == nil {
		return true
	}
	return g.broadcastLimiter.Allow()
}

// AllowBusMessage reports whether an inbound alert-bus message should be
// processed, protecting against a subscriber-side redelivery storm.
func (g *Guard) AllowBusMessage() bool {
	if g.busLimiter == nil {
		return true
	}
	return g.busLimiter.Allow()
}

// Sample refreshes the CPU/memory readings Guard checks admission against.
// Call it periodically (e.g. every 15s) from a background goroutine.
func (g *Guard) Sample() {
	pct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		g.logger.Warn().Err(err).Msg("resources: failed to sample cpu percent")
	} else if len(pct) > 0 {
		g.currentCPU.Store(pct[0])
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))
}

// RunSampling samples resource usage every interval until ctx is cancelled.
func (g *Guard) RunSampling(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sample()
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns a snapshot for the /health endpoint.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"connections":     atomic.LoadInt64(&g.currentConns),
		"max_connections": g.limits.MaxConnections,
		"cpu_percent":     g.currentCPU.Load().(float64),
		"memory_bytes":    g.currentMemory.Load().(int64),
		"goroutines":      runtime.NumGoroutine(),
	}
}
