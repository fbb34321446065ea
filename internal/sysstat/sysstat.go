// Package sysstat samples host resource usage for heartbeats.
package sysstat

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Usage is a host resource snapshot in percent.
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Collector samples CPU and memory usage.
type Collector struct {
	// Window is how long CPU usage is averaged over.
	Window time.Duration
}

// NewCollector creates a collector with a short CPU window.
func NewCollector() *Collector { return &Collector{Window: 200 * time.Millisecond} }

// Sample returns current usage. Errors from either source leave that field zero
// and are returned after both were attempted.
func (c *Collector) Sample(ctx context.Context) (Usage, error) {
	var (
		u      Usage
		result error
	)
	pct, err := cpu.PercentWithContext(ctx, c.Window, false)
	switch {
	case err != nil:
		result = err
	case len(pct) > 0:
		u.CPUPercent = pct[0]
	}
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		if result == nil {
			result = err
		}
	} else {
		u.MemoryPercent = vmem.UsedPercent
	}
	return u, result
}
