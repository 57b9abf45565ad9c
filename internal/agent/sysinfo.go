package agent

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// CollectSystemInfo gathers the host snapshot attached to heartbeats.
// Probe failures drop the affected keys rather than failing the beat.
func CollectSystemInfo(ctx context.Context) map[string]any {
	info := map[string]any{
		"architecture": runtime.GOARCH,
		"cpu_count":    runtime.NumCPU(),
		"go_version":   runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info["hostname"] = hostname
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		info["os"] = hi.OS
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["uptime"] = hi.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_total"] = vm.Total
		info["memory_available"] = vm.Available
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		info["disk_usage"] = du.UsedPercent
	}

	return info
}
