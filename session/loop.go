package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// run is the loop goroutine. Tick k is scheduled at startedAt + k*every and is
// collected only while its whole window fits before the deadline, so an
// uninterrupted run yields floor(duration/interval) samples. Every window is
// either collected or counted as dropped.
func (s *Session) run(ctx context.Context, cancel context.CancelFunc, id string, every time.Duration, startedAt, deadline time.Time, done chan struct{}) {
	var exporters sync.WaitGroup
	if s.exportFn != nil {
		exporters.Add(1)
		go func() {
			defer exporters.Done()
			s.exportLoop(ctx, id)
		}()
	}

	defer func() {
		cancel()
		exporters.Wait()
		s.finish(id, done)
	}()

	windows := int(deadline.Sub(startedAt) / every)
	for k := 0; ; k++ {
		if ctx.Err() != nil {
			return
		}

		// Windows that elapsed entirely while the previous tick was running
		// are dropped rather than collected in a burst.
		if behind := min(int(time.Since(startedAt)/every), windows); behind > k {
			s.log.Warn("ticks dropped, collection slower than interval",
				zap.String("id", id), zap.Int("dropped", behind-k))
			s.addDropped(behind - k)
			k = behind
		}

		slot := startedAt.Add(time.Duration(k) * every)
		if slot.Add(every).After(deadline) {
			break
		}
		if !wait(ctx, slot) {
			return
		}
		if !time.Now().Before(deadline) {
			s.addDropped(windows - k)
			break
		}

		sample := s.sampler.Collect(ctx)
		if ctx.Err() != nil {
			// cancelled mid-tick: the sample may hold aborted readings
			return
		}
		s.appendSample(sample)
		s.log.Debug("tick",
			zap.String("id", id),
			zap.Int("tick", k),
			zap.Int("readings", len(sample.Readings)),
			zap.Int("failed", sample.Failures()))
	}

	wait(ctx, deadline)
}

// wait blocks until t or until ctx is cancelled. It reports whether t was reached.
func wait(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) addDropped(n int) {
	s.mu.Lock()
	s.dropped += n
	s.mu.Unlock()
}
