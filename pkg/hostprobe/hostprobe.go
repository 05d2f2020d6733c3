// Package hostprobe samples this machine's resource usage for the
// host_info op. Sampling is delegated to gopsutil rather than parsed
// from /proc by hand.
package hostprobe

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Reading is one point-in-time reading of host resource usage.
type Reading struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	MemUsedMB   uint64  `json:"mem_used_mb"`
	MemTotalMB  uint64  `json:"mem_total_mb"`
	NumCPU      int     `json:"num_cpu"`
	SampledOver string  `json:"sampled_over"`
}

// sampleWindow is how long cpu.PercentWithContext blocks measuring
// utilization. host_info is called infrequently (once per known node
// on the cluster client's node-refresh cadence), so a short blocking
// sample is acceptable.
const sampleWindow = 200 * time.Millisecond

// Sample reports current CPU and memory utilization. It blocks for
// sampleWindow to measure a CPU delta.
func Sample(ctx context.Context) (*Reading, error) {
	pct, err := cpu.PercentWithContext(ctx, sampleWindow, false)
	if err != nil {
		return nil, fmt.Errorf("hostprobe: cpu percent: %w", err)
	}
	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("hostprobe: virtual memory: %w", err)
	}

	return &Reading{
		CPUPercent:  cpuPct,
		MemPercent:  vm.UsedPercent,
		MemUsedMB:   vm.Used / (1 << 20),
		MemTotalMB:  vm.Total / (1 << 20),
		NumCPU:      runtime.NumCPU(),
		SampledOver: sampleWindow.String(),
	}, nil
}

// AsMap renders a Reading as the opaque data blob host_info replies with.
func (s *Reading) AsMap() map[string]any {
	return map[string]any{
		"cpu_percent":  s.CPUPercent,
		"mem_percent":  s.MemPercent,
		"mem_used_mb":  s.MemUsedMB,
		"mem_total_mb": s.MemTotalMB,
		"num_cpu":      s.NumCPU,
	}
}
