package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostInfo describes the machine a report was taken on.
type HostInfo struct {
	Hostname        string `json:"hostname" yaml:"hostname"`
	OS              string `json:"os" yaml:"os"`
	Platform        string `json:"platform" yaml:"platform"`
	PlatformVersion string `json:"platform_version" yaml:"platform_version"`
	KernelVersion   string `json:"kernel_version" yaml:"kernel_version"`
	CPUs            int    `json:"cpus" yaml:"cpus"`
	TotalMemory     uint64 `json:"total_memory" yaml:"total_memory"`
	BootTime        uint64 `json:"boot_time" yaml:"boot_time"`
}

// DescribeHost gathers static host facts. Only the host.Info call is fatal;
// CPU count and memory total are best effort.
func DescribeHost(ctx context.Context) (HostInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, fmt.Errorf("host info: %w", err)
	}
	h := HostInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		BootTime:        info.BootTime,
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		h.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.TotalMemory = vm.Total
	}
	return h, nil
}

// ProcessInfo is one row of a process listing.
type ProcessInfo struct {
	PID           int32   `json:"pid" yaml:"pid"`
	Name          string  `json:"name" yaml:"name"`
	User          string  `json:"user,omitempty" yaml:"user,omitempty"`
	CPUPercent    float64 `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent" yaml:"memory_percent"`
	RSS           uint64  `json:"rss" yaml:"rss"`
}

// Sort keys accepted by TopProcesses.
const (
	SortByCPU    = "cpu"
	SortByMemory = "mem"
)

// TopProcesses lists up to n processes ordered by sortBy. CPU is the usage
// measured across window; a window <= 0 reports the average over each
// process lifetime instead. Processes that vanish or deny access while being
// inspected are skipped. n <= 0 returns all.
func TopProcesses(ctx context.Context, n int, sortBy string, window time.Duration) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var recent map[int32]float64
	if window > 0 {
		if recent, err = recentCPU(ctx, procs, window); err != nil {
			return nil, err
		}
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		pi := ProcessInfo{PID: p.Pid, Name: name}
		if recent != nil {
			pi.CPUPercent = recent[p.Pid]
		} else if v, err := p.CPUPercentWithContext(ctx); err == nil {
			pi.CPUPercent = v
		}
		if v, err := p.MemoryPercentWithContext(ctx); err == nil {
			pi.MemoryPercent = v
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			pi.RSS = mi.RSS
		}
		if u, err := p.UsernameWithContext(ctx); err == nil {
			pi.User = u
		}
		out = append(out, pi)
	}

	SortProcesses(out, sortBy)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// recentCPU primes every process with its current CPU times, waits window and
// reads them again, so the result covers only that window. The same Process
// values must be used for both reads.
func recentCPU(ctx context.Context, procs []*process.Process, window time.Duration) (map[int32]float64, error) {
	for _, p := range procs {
		_, _ = p.PercentWithContext(ctx, 0)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	out := make(map[int32]float64, len(procs))
	for _, p := range procs {
		if v, err := p.PercentWithContext(ctx, 0); err == nil {
			out[p.Pid] = v
		}
	}
	return out, nil
}

// SortProcesses orders a listing in place, highest usage first.
func SortProcesses(ps []ProcessInfo, sortBy string) {
	sort.SliceStable(ps, func(i, j int) bool {
		if sortBy == SortByMemory {
			return ps[i].MemoryPercent > ps[j].MemoryPercent
		}
		return ps[i].CPUPercent > ps[j].CPUPercent
	})
}
