package collector

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(path string, v float64) Source {
	return NewSource(path, func(context.Context) (float64, error) { return v, nil })
}

func failing(path string, err error) Source {
	return NewSource(path, func(context.Context) (float64, error) { return 0, err })
}

func TestCollectKeepsRegistrationOrderAndRecordsFailures(t *testing.T) {
	s := NewSampler([]Source{
		constant("a", 42),
		failing("b", errors.New("timeout")),
		constant("c", 0),
	}, nil)

	sample := s.Collect(context.Background())
	require.Len(t, sample.Readings, 3)
	assert.Equal(t, []string{"a", "b", "c"}, s.Paths())

	assert.Equal(t, "a", sample.Readings[0].Path)
	v, ok := sample.Readings[0].Float()
	assert.True(t, ok)
	assert.Equal(t, 42.0, v)
	assert.Empty(t, sample.Readings[0].Error)

	assert.Equal(t, "b", sample.Readings[1].Path)
	assert.Nil(t, sample.Readings[1].Value)
	assert.Equal(t, "timeout", sample.Readings[1].Error)

	v, ok = sample.Readings[2].Float()
	assert.True(t, ok)
	assert.Zero(t, v)

	assert.Equal(t, 1, sample.Failures())
}

func TestCollectTimestampIsTakenAtStart(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	slow := NewSource("slow", func(context.Context) (float64, error) {
		time.Sleep(10 * time.Millisecond)
		return 1, nil
	})
	s := NewSampler([]Source{slow}, nil, WithClock(func() time.Time { return at }))

	assert.Equal(t, at, s.Collect(context.Background()).Timestamp)
}

func TestCollectWithNoSources(t *testing.T) {
	sample := NewSampler(nil, nil).Collect(context.Background())
	assert.Empty(t, sample.Readings)
	assert.False(t, sample.Timestamp.IsZero())
}

func TestCollectSurvivesPanickingSource(t *testing.T) {
	s := NewSampler([]Source{
		NewSource("boom", func(context.Context) (float64, error) { panic("nil map") }),
		constant("ok", 1),
	}, nil)

	sample := s.Collect(context.Background())
	require.Len(t, sample.Readings, 2)
	assert.Contains(t, sample.Readings[0].Error, "nil map")
	assert.True(t, sample.Readings[1].OK())
}

func TestNonFiniteValuesBecomeFailures(t *testing.T) {
	s := NewSampler([]Source{constant("nan", math.NaN()), constant("inf", math.Inf(1))}, nil)

	for _, r := range s.Collect(context.Background()).Readings {
		assert.False(t, r.OK(), r.Path)
		assert.Equal(t, ErrNotFinite.Error(), r.Error)
	}
}

func TestParallelCollectPreservesOrder(t *testing.T) {
	var inflight, peak atomic.Int32
	mk := func(path string, v float64) Source {
		return NewSource(path, func(context.Context) (float64, error) {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inflight.Add(-1)
			return v, nil
		})
	}
	s := NewSampler([]Source{mk("w", 1), mk("x", 2), failing("y", errors.New("denied")), mk("z", 4)}, nil, WithWorkers(4))

	sample := s.Collect(context.Background())
	require.Len(t, sample.Readings, 4)
	for i, want := range []string{"w", "x", "y", "z"} {
		assert.Equal(t, want, sample.Readings[i].Path)
	}
	v, _ := sample.Readings[3].Float()
	assert.Equal(t, 4.0, v)
	assert.Greater(t, peak.Load(), int32(1))
}

func TestReadingJSONShape(t *testing.T) {
	ok, err := json.Marshal(Succeeded("cpu.total_percent", 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"cpu.total_percent","value":0}`, string(ok))

	bad, err := json.Marshal(Failed("disk.root.used_percent", errors.New("access denied")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"disk.root.used_percent","error":"access denied"}`, string(bad))

	assert.NotEmpty(t, Failed("x", nil).Error)
}

func TestSampleLookup(t *testing.T) {
	sample := Sample{Readings: []Reading{Succeeded("a", 1), Failed("b", errors.New("x"))}}

	r, ok := sample.Lookup("b")
	assert.True(t, ok)
	assert.False(t, r.OK())

	_, ok = sample.Lookup("missing")
	assert.False(t, ok)
}

func TestWithTimeoutAbandonsHangingSource(t *testing.T) {
	hang := NewSource("hang", func(ctx context.Context) (float64, error) {
		time.Sleep(time.Second)
		return 1, nil
	})
	s := NewSampler(WithTimeouts([]Source{hang, constant("fast", 3)}, 20*time.Millisecond), nil)

	began := time.Now()
	sample := s.Collect(context.Background())
	assert.Less(t, time.Since(began), 500*time.Millisecond)

	assert.Contains(t, sample.Readings[0].Error, ErrSourceTimeout.Error())
	assert.Equal(t, "hang", sample.Readings[0].Path)
	assert.True(t, sample.Readings[1].OK())
}

func TestWithTimeoutZeroIsPassThrough(t *testing.T) {
	src := constant("a", 1)
	assert.Same(t, src, WithTimeout(src, 0))
}

func TestRateSource(t *testing.T) {
	counter := 1000.0
	now := time.Unix(100, 0)
	r := NewRateSource("net.all.rx_bytes_per_sec", func(context.Context) (float64, error) { return counter, nil })
	r.now = func() time.Time { return now }

	_, err := r.Sample(context.Background())
	assert.ErrorIs(t, err, ErrNoBaseline)

	counter, now = 3000, now.Add(2*time.Second)
	v, err := r.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)

	counter, now = 10, now.Add(time.Second)
	_, err = r.Sample(context.Background())
	assert.ErrorIs(t, err, ErrCounterReset)

	counter, now = 510, now.Add(time.Second)
	v, err = r.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, v)
}

func TestRateSourcePropagatesReadError(t *testing.T) {
	r := NewRateSource("x", func(context.Context) (float64, error) { return 0, errors.New("no such device") })
	_, err := r.Sample(context.Background())
	assert.EqualError(t, err, "no such device")
}

func TestMetricSegment(t *testing.T) {
	assert.Equal(t, "root", metricSegment("/"))
	assert.Equal(t, "var_lib", metricSegment("/var/lib"))
	assert.Equal(t, "C", metricSegment(`C:\`))
	assert.Equal(t, "eth0", metricSegment("eth0"))
}

func TestHostSourcesPaths(t *testing.T) {
	paths := NewSampler(HostSources(HostOptions{Mounts: []string{"/", "/data"}, Interfaces: []string{"eth0"}}), nil).Paths()

	assert.Contains(t, paths, "cpu.total_percent")
	assert.Contains(t, paths, "disk.root.used_percent")
	assert.Contains(t, paths, "disk.data.used_percent")
	assert.Contains(t, paths, "net.eth0.rx_bytes_per_sec")
	assert.NotContains(t, paths, "net.all.rx_bytes_per_sec")
	assert.Equal(t, "host.uptime_seconds", paths[len(paths)-1])
}

func TestSortProcesses(t *testing.T) {
	ps := []ProcessInfo{
		{PID: 1, CPUPercent: 1, MemoryPercent: 30},
		{PID: 2, CPUPercent: 50, MemoryPercent: 1},
		{PID: 3, CPUPercent: 10, MemoryPercent: 10},
	}

	SortProcesses(ps, SortByCPU)
	assert.Equal(t, []int32{2, 3, 1}, []int32{ps[0].PID, ps[1].PID, ps[2].PID})

	SortProcesses(ps, SortByMemory)
	assert.Equal(t, []int32{1, 3, 2}, []int32{ps[0].PID, ps[1].PID, ps[2].PID})
}

func TestRecentCPUCoversOnlyTheWindow(t *testing.T) {
	self, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)

	stop := make(chan struct{})
	var spins atomic.Int64
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				spins.Add(1)
			}
		}
	}()
	got, err := recentCPU(context.Background(), []*process.Process{self}, 300*time.Millisecond)
	close(stop)
	require.NoError(t, err)
	assert.Greater(t, got[self.Pid], 20.0)

	// an idle window after the busy one reads near zero for the same process
	idle, err := recentCPU(context.Background(), []*process.Process{self}, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, idle[self.Pid], got[self.Pid])
}

func TestTopProcessesHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	begin := time.Now()
	_, err := TopProcesses(ctx, 5, SortByCPU, time.Minute)
	assert.Error(t, err)
	assert.Less(t, time.Since(begin), 30*time.Second)

	procs, err := TopProcesses(context.Background(), 3, SortByCPU, 10*time.Millisecond)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(procs), 3)
	for i := 1; i < len(procs); i++ {
		assert.GreaterOrEqual(t, procs[i-1].CPUPercent, procs[i].CPUPercent)
	}
}

func TestReadingErr(t *testing.T) {
	assert.NoError(t, Succeeded("a", 1).Err())

	err := Failed("disk.root.used_percent", errors.New("access denied")).Err()
	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "disk.root.used_percent", se.Path)
	assert.EqualError(t, err, "source disk.root.used_percent: access denied")
}

func TestWithTimeoutRecoversPanic(t *testing.T) {
	boom := NewSource("boom", func(context.Context) (float64, error) { panic("bad probe") })
	sample := NewSampler(WithTimeouts([]Source{boom}, time.Second), nil).Collect(context.Background())
	assert.Contains(t, sample.Readings[0].Error, "bad probe")
}
