package perf

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Usage is one resource reading
type Usage struct {
	SystemCPUPercent    float64 `json:"system_cpu_percent"`
	SystemMemoryPercent float64 `json:"system_memory_percent"`
	SystemMemoryUsedMB  float64 `json:"system_memory_used_mb"`
	ProcessCPUPercent   float64 `json:"process_cpu_percent"`
	ProcessRSSMB        float64 `json:"process_rss_mb"`
}

// Sampler reads resource usage
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SystemSampler reads host and process usage through gopsutil
type SystemSampler struct {
	proc *process.Process
}

// NewSystemSampler creates a sampler for the current process
func NewSystemSampler(ctx context.Context) (*SystemSampler, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process handle: %w", err)
	}
	// prime the interval-less counters so the first Sample has a baseline
	_, _ = cpu.PercentWithContext(ctx, 0, false)
	_, _ = p.PercentWithContext(ctx, 0)
	return &SystemSampler{proc: p}, nil
}

// Sample returns the current usage. CPU percentages cover the time since the
// previous call; the process figure is summed over cores and may exceed 100.
// Sample must not be called concurrently.
func (s *SystemSampler) Sample(ctx context.Context) (Usage, error) {
	var u Usage

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return u, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		u.SystemCPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("failed to read memory usage: %w", err)
	}
	u.SystemMemoryPercent = vm.UsedPercent
	u.SystemMemoryUsedMB = float64(vm.Used) / (1024 * 1024)

	if pct, err := s.proc.PercentWithContext(ctx, 0); err == nil {
		u.ProcessCPUPercent = pct
	}
	if info, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		u.ProcessRSSMB = float64(info.RSS) / (1024 * 1024)
	}

	return u, nil
}

var _ Sampler = (*SystemSampler)(nil)
