// Package stats reports host diagnostics alongside a running session —
// outside the core's boundary, useful for the monitor TUI and for ops
// dashboards, never consulted by the HPS itself.
package stats

import (
	"fmt"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"
)

// Snapshot is one point-in-time read of host resource usage.
type Snapshot struct {
	CPUTotal  uint64
	CPUIdle   uint64
	MemTotal  uint64
	MemUsed   uint64
	MemCached uint64
}

// Get reads current CPU and memory counters. CPU fields are cumulative
// ticks since boot, not a percentage — callers wanting a rate sample twice
// and diff, the way the teacher's CPU-usage helper does.
func Get() (Snapshot, error) {
	c, err := cpu.Get()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read cpu stats: %w", err)
	}
	m, err := memory.Get()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read memory stats: %w", err)
	}
	return Snapshot{
		CPUTotal:  c.Total,
		CPUIdle:   c.Idle,
		MemTotal:  m.Total,
		MemUsed:   m.Used,
		MemCached: m.Cached,
	}, nil
}
