package api

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

func collectProcessStats(ctx context.Context) ProcessStats {
	stats := ProcessStats{Goroutines: runtime.NumGoroutine()}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return stats
	}

	// lifetime average, normalized to 0-100% across cores
	if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
		if numCPU := runtime.NumCPU(); numCPU > 0 {
			stats.CPUPercent = cpuPercent / float64(numCPU)
		}
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSBytes = memInfo.RSS
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		stats.MemPercent = float64(stats.RSSBytes) / float64(vm.Total) * 100
	}

	return stats
}
