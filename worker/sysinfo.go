package worker

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/wire"
)

// sampleSystemInfo collects a best-effort host snapshot for heartbeats.
// Fields that cannot be read stay zero; a heartbeat never fails on a
// metrics hiccup.
func sampleSystemInfo(ctx context.Context) *wire.SystemInfo {
	info := &wire.SystemInfo{CPUCores: runtime.NumCPU()}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.Platform = hi.Platform
		info.UptimeSeconds = hi.Uptime
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		info.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotalMB = vm.Total / (1024 * 1024)
		info.MemoryPercent = vm.UsedPercent
	}
	return info
}

// detectHardware fills unset hardware figures from the host, so a worker
// with no explicit hardware config still advertises honest capacity.
func detectHardware(hw *queue.Hardware) {
	if hw.CPUCores == 0 {
		hw.CPUCores = runtime.NumCPU()
	}
	if hw.RAMGB == 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			hw.RAMGB = int(vm.Total / (1024 * 1024 * 1024))
		}
	}
}
