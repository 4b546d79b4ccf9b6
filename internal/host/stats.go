package host

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

const (
	cpuSampleWindow = 200 * time.Millisecond
	mib             = 1024 * 1024
)

// SystemStats is a point-in-time snapshot of host resource usage. Sizes are
// in MiB; network counters are in bytes.
type SystemStats struct {
	CPUUsage    float64        `json:"cpu_usage"`
	Memory      MemoryStats    `json:"memory"`
	Disks       []DiskStats    `json:"disks"`
	Networks    []NetworkStats `json:"networks"`
	Uptime      uint64         `json:"uptime"`
	LoadAverage [3]float64     `json:"load_average"`
}

type MemoryStats struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

type DiskStats struct {
	Name       string `json:"name"`
	MountPoint string `json:"mount_point"`
	Total      uint64 `json:"total"`
	Available  uint64 `json:"available"`
}

// NetworkStats carries per-interface traffic. Received and Transmitted
// cover the CPU sample window only.
type NetworkStats struct {
	Interface        string `json:"interface"`
	Received         uint64 `json:"received"`
	Transmitted      uint64 `json:"transmitted"`
	TotalReceived    uint64 `json:"total_received"`
	TotalTransmitted uint64 `json:"total_transmitted"`
}

// SystemStats samples CPU usage over a short window and gathers memory,
// disk, network, uptime and load figures.
func (h *Host) SystemStats(ctx context.Context) (*SystemStats, error) {
	before, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		h.logger.Warn("network counters unavailable", "err", err)
	}

	percent, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}

	stats := &SystemStats{Disks: []DiskStats{}, Networks: []NetworkStats{}}
	if len(percent) > 0 {
		stats.CPUUsage = percent[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	stats.Memory = MemoryStats{Total: vm.Total / mib, Used: vm.Used / mib, Free: vm.Free / mib}

	stats.Disks = h.diskStats(ctx)

	after, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		h.logger.Warn("network counters unavailable", "err", err)
	} else {
		stats.Networks = networkDeltas(before, after)
	}

	if uptime, err := gohost.UptimeWithContext(ctx); err == nil {
		stats.Uptime = uptime
	} else {
		h.logger.Warn("uptime unavailable", "err", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.LoadAverage = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	} else {
		h.logger.Warn("load average unavailable", "err", err)
	}

	return stats, nil
}

func (h *Host) diskStats(ctx context.Context) []DiskStats {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		h.logger.Warn("disk partitions unavailable", "err", err)
		return []DiskStats{}
	}

	disks := make([]DiskStats, 0, len(partitions))
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		disks = append(disks, DiskStats{
			Name:       p.Device,
			MountPoint: p.Mountpoint,
			Total:      usage.Total / mib,
			Available:  usage.Free / mib,
		})
	}
	return disks
}

// networkDeltas pairs counters by interface name. Interfaces missing from
// the first sample report a zero delta.
func networkDeltas(before, after []psnet.IOCountersStat) []NetworkStats {
	prev := make(map[string]psnet.IOCountersStat, len(before))
	for _, c := range before {
		prev[c.Name] = c
	}

	out := make([]NetworkStats, 0, len(after))
	for _, c := range after {
		ns := NetworkStats{
			Interface:        c.Name,
			TotalReceived:    c.BytesRecv,
			TotalTransmitted: c.BytesSent,
		}
		if p, ok := prev[c.Name]; ok {
			ns.Received = counterDelta(p.BytesRecv, c.BytesRecv)
			ns.Transmitted = counterDelta(p.BytesSent, c.BytesSent)
		}
		out = append(out, ns)
	}
	return out
}

func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
