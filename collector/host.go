package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// HostOptions selects which host probes HostSources builds.
type HostOptions struct {
	// Mounts to report disk usage for. Empty means "/".
	Mounts []string
	// Interfaces to report network rates for. Empty means all
	// interfaces summed under "net.all".
	Interfaces []string
}

// HostSources returns the default set of local-host probes, in a stable order.
func HostSources(opts HostOptions) []Source {
	sources := []Source{
		NewSource("cpu.total_percent", cpuPercent),
		NewSource("memory.used_percent", memoryUsedPercent),
		NewSource("memory.available_bytes", memoryAvailable),
		NewSource("memory.swap_used_percent", swapUsedPercent),
		NewSource("load.1m", loadAvg(func(a *load.AvgStat) float64 { return a.Load1 })),
		NewSource("load.5m", loadAvg(func(a *load.AvgStat) float64 { return a.Load5 })),
	}

	mounts := opts.Mounts
	if len(mounts) == 0 {
		mounts = []string{"/"}
	}
	for _, m := range mounts {
		sources = append(sources, NewSource("disk."+metricSegment(m)+".used_percent", diskUsedPercent(m)))
	}

	if len(opts.Interfaces) == 0 {
		sources = append(sources,
			NewRateSource("net.all.rx_bytes_per_sec", netCounter("", func(c net.IOCountersStat) uint64 { return c.BytesRecv })),
			NewRateSource("net.all.tx_bytes_per_sec", netCounter("", func(c net.IOCountersStat) uint64 { return c.BytesSent })),
		)
	}
	for _, iface := range opts.Interfaces {
		sources = append(sources,
			NewRateSource("net."+metricSegment(iface)+".rx_bytes_per_sec", netCounter(iface, func(c net.IOCountersStat) uint64 { return c.BytesRecv })),
			NewRateSource("net."+metricSegment(iface)+".tx_bytes_per_sec", netCounter(iface, func(c net.IOCountersStat) uint64 { return c.BytesSent })),
		)
	}

	return append(sources,
		NewSource("process.count", processCount),
		NewSource("host.uptime_seconds", uptime),
	)
}

func cpuPercent(ctx context.Context) (float64, error) {
	// interval 0 compares against the previous call, so the probe never sleeps.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return 0, errors.New("cpu percent: no data")
	}
	return pct[0], nil
}

func memoryUsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}

func memoryAvailable(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return float64(vm.Available), nil
}

func swapUsedPercent(ctx context.Context) (float64, error) {
	sw, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("swap memory: %w", err)
	}
	return sw.UsedPercent, nil
}

func loadAvg(pick func(*load.AvgStat) float64) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		avg, err := load.AvgWithContext(ctx)
		if err != nil {
			return 0, fmt.Errorf("load average: %w", err)
		}
		return pick(avg), nil
	}
}

func diskUsedPercent(mount string) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		u, err := disk.UsageWithContext(ctx, mount)
		if err != nil {
			return 0, fmt.Errorf("disk usage %s: %w", mount, err)
		}
		return u.UsedPercent, nil
	}
}

// netCounter reads a cumulative byte counter. An empty iface sums all NICs.
func netCounter(iface string, pick func(net.IOCountersStat) uint64) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		counters, err := net.IOCountersWithContext(ctx, iface != "")
		if err != nil {
			return 0, fmt.Errorf("net counters: %w", err)
		}
		for _, c := range counters {
			if iface == "" || c.Name == iface {
				return float64(pick(c)), nil
			}
		}
		return 0, fmt.Errorf("net counters: interface %q not found", iface)
	}
}

func processCount(ctx context.Context) (float64, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pids: %w", err)
	}
	return float64(len(pids)), nil
}

func uptime(ctx context.Context) (float64, error) {
	u, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("uptime: %w", err)
	}
	return float64(u), nil
}

// metricSegment turns a mount point or interface name into a path segment:
// "/" -> "root", "/var/lib" -> "var_lib".
func metricSegment(s string) string {
	s = strings.Trim(s, `/\:`)
	if s == "" {
		return "root"
	}
	return strings.NewReplacer("/", "_", `\`, "_", ".", "_", ":", "", " ", "_").Replace(s)
}

// ErrNoBaseline is returned by a rate source on its first reading.
var ErrNoBaseline = errors.New("no previous reading to compute a rate from")

// ErrCounterReset is returned when a cumulative counter goes backwards.
var ErrCounterReset = errors.New("counter went backwards")

// RateSource turns a cumulative counter into a per-second rate. The previous
// reading is private to the source.
type RateSource struct {
	path string
	read func(context.Context) (float64, error)
	now  func() time.Time

	mu     sync.Mutex
	primed bool
	last   float64
	lastAt time.Time
}

// NewRateSource wraps a counter reader.
func NewRateSource(path string, read func(context.Context) (float64, error)) *RateSource {
	return &RateSource{path: path, read: read, now: time.Now}
}

func (r *RateSource) Path() string { return r.path }

func (r *RateSource) Sample(ctx context.Context) (float64, error) {
	v, err := r.read(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, prevAt, primed := r.last, r.lastAt, r.primed
	r.last, r.lastAt, r.primed = v, now, true

	switch {
	case !primed:
		return 0, ErrNoBaseline
	case v < prev:
		return 0, ErrCounterReset
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0, ErrNoBaseline
	}
	return (v - prev) / elapsed, nil
}
