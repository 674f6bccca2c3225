package resources

import (
	"os"
	"strconv"
	"strings"
)

// CgroupMemoryLimit returns the container memory limit in bytes, checking
// cgroup v2 then falling back to v1. Returns 0 if no limit can be detected
// (bare metal, or a platform without either cgroup filesystem mounted).
func CgroupMemoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			if v, err := strconv.ParseInt(limitStr, 10, 64); err == nil {
				return v
			}
		}
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if v, err := strconv.ParseInt(limitStr, 10, 64); err == nil {
			return v
		}
	}

	return 0
}

// DefaultMaxConnections sizes a connection cap off a cgroup memory limit,
// reserving headroom for runtime overhead and budgeting ~180KB per
// connection (send buffer plus bookkeeping). Falls back to a flat 10000
// when no cgroup limit is detected.
func DefaultMaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return 10000
	}

	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerConnection = 180 * 1024

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	maxConns := int(available / bytesPerConnection)
	if maxConns < 100 {
		maxConns = 100
	}
	if maxConns > 50000 {
		maxConns = 50000
	}
	return maxConns
}
