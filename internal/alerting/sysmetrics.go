package alerting

import (
	"log/slog"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// sampleSystemMetrics feeds the host's own memory and cpu usage through
// the same threshold policy as externally reported service metrics.
func (e *Engine) sampleSystemMetrics() {
	metrics := ServiceMetrics{Service: "platform"}
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryUsagePercent = vm.UsedPercent
	} else {
		e.log.Debug("memory sample failed", slog.String("error", err.Error()))
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		metrics.CPUUsagePercent = percents[0]
	} else if err != nil {
		e.log.Debug("cpu sample failed", slog.String("error", err.Error()))
	}
	if metrics.MemoryUsagePercent == 0 && metrics.CPUUsagePercent == 0 {
		return
	}
	e.RecordPerformanceMetrics("platform", metrics)
}
