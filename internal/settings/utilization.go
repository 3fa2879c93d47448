package settings

import (
	"context"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Utilization is the host load shown on the maintenance panel, in whole percent
type Utilization struct {
	CPU     int
	Memory  int
	Storage int
}

// UtilizationSource measures host utilization
type UtilizationSource interface {
	Utilization(ctx context.Context) (Utilization, error)
}

// HostUtilization reads utilization of the machine running the server
type HostUtilization struct {
	// DiskPath is the mount whose usage is reported as storage
	DiskPath string
}

func NewHostUtilization(diskPath string) *HostUtilization {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostUtilization{DiskPath: diskPath}
}

func (h *HostUtilization) Utilization(ctx context.Context) (Utilization, error) {
	// interval 0 compares against the previous call instead of blocking
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Utilization{}, fmt.Errorf("cpu: %w", err)
	}
	if len(cpuPct) == 0 {
		return Utilization{}, fmt.Errorf("cpu: no samples")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Utilization{}, fmt.Errorf("memory: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, h.DiskPath)
	if err != nil {
		return Utilization{}, fmt.Errorf("disk %s: %w", h.DiskPath, err)
	}

	return Utilization{
		CPU:     percent(cpuPct[0]),
		Memory:  percent(vm.UsedPercent),
		Storage: percent(du.UsedPercent),
	}, nil
}

func percent(v float64) int {
	return int(math.Round(math.Max(0, math.Min(100, v))))
}
