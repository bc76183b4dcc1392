package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// exportLoop periodically hands a copy of the buffer to the export function.
// It ends with the run context.
func (s *Session) exportLoop(ctx context.Context, id string) {
	ticker := time.NewTicker(s.exportEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			samples := s.copySamples(0)
			s.mu.RUnlock()
			if len(samples) == 0 {
				continue
			}

			start := time.Now()
			if err := s.exportFn(ctx, samples); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("periodic export failed", zap.String("id", id), zap.Error(err))
				continue
			}
			s.log.Info("periodic export done",
				zap.String("id", id),
				zap.Int("samples", len(samples)),
				zap.Duration("took", time.Since(start)))
		}
	}
}
