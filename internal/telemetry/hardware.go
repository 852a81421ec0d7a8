package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/fleetwarden/endpoint-agent/internal/model"
)

// HardwareInventory is the one-shot payload POSTed to /agents/hardware on
// entry to Connected, once per connection session.
type HardwareInventory struct {
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	OSVersion   string `json:"os_version"`
	Platform    string `json:"platform"`
	CPUModel    string `json:"cpu_model"`
	CPUCores    int    `json:"cpu_cores"`
	TotalRAMMB  uint64 `json:"total_ram_mb"`
	TotalDiskGB uint64 `json:"total_disk_gb"`
}

// HardwareProbe produces the one-shot inventory. Implemented by
// gopsutilProbe; accepted as an interface so the orchestrator doesn't
// depend on gopsutil directly and can be tested with a fake.
type HardwareProbe interface {
	Probe(ctx context.Context) (HardwareInventory, error)
}

type gopsutilProbe struct {
	rootPath string
}

// NewHardwareProbe returns a HardwareProbe that measures disk usage at
// rootPath (typically the agent's install directory's volume).
func NewHardwareProbe(rootPath string) HardwareProbe {
	return &gopsutilProbe{rootPath: rootPath}
}

func (p *gopsutilProbe) Probe(ctx context.Context) (HardwareInventory, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HardwareInventory{}, fmt.Errorf("telemetry: host info: %w", err)
	}

	cpuInfo, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return HardwareInventory{}, fmt.Errorf("telemetry: cpu info: %w", err)
	}
	cpuModel := ""
	if len(cpuInfo) > 0 {
		cpuModel = cpuInfo[0].ModelName
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return HardwareInventory{}, fmt.Errorf("telemetry: cpu counts: %w", err)
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HardwareInventory{}, fmt.Errorf("telemetry: virtual memory: %w", err)
	}

	usage, err := disk.UsageWithContext(ctx, p.rootPath)
	if err != nil {
		return HardwareInventory{}, fmt.Errorf("telemetry: disk usage: %w", err)
	}

	return HardwareInventory{
		Hostname:    info.Hostname,
		OS:          info.OS,
		OSVersion:   info.PlatformVersion,
		Platform:    info.Platform,
		CPUModel:    cpuModel,
		CPUCores:    cores,
		TotalRAMMB:  vmem.Total / (1024 * 1024),
		TotalDiskGB: usage.Total / (1024 * 1024 * 1024),
	}, nil
}

type gopsutilSampler struct {
	rootPath string
}

// NewResourceSampler returns a ResourceSampler that measures disk usage
// at rootPath.
func NewResourceSampler(rootPath string) ResourceSampler {
	return &gopsutilSampler{rootPath: rootPath}
}

// Sample reports CPU/RAM/disk usage as percentages in [0.0, 100.0].
// cpu.PercentWithContext(200ms, false) blocks briefly to measure over a
// short window rather than returning an instantaneous (and noisy)
// reading; ctx cancellation during that window is honoured.
func (s *gopsutilSampler) Sample(ctx context.Context) (model.ResourceSample, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return model.ResourceSample{}, fmt.Errorf("telemetry: cpu percent: %w", err)
	}
	var cpuUsage float64
	if len(cpuPct) > 0 {
		cpuUsage = cpuPct[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.ResourceSample{}, fmt.Errorf("telemetry: virtual memory: %w", err)
	}

	usage, err := disk.UsageWithContext(ctx, s.rootPath)
	if err != nil {
		return model.ResourceSample{}, fmt.Errorf("telemetry: disk usage: %w", err)
	}

	return model.ResourceSample{
		CPUUsage:  round1(cpuUsage),
		RAMUsage:  round1(vmem.UsedPercent),
		DiskUsage: round1(usage.UsedPercent),
	}, nil
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
