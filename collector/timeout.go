package collector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSourceTimeout marks a reading abandoned by WithTimeout.
var ErrSourceTimeout = errors.New("source timed out")

type timeoutSource struct {
	Source
	d time.Duration
}

// WithTimeout bounds a single Sample call. The wrapped call keeps running in
// its own goroutine if it ignores ctx; the tick moves on regardless.
func WithTimeout(src Source, d time.Duration) Source {
	if d <= 0 {
		return src
	}
	return &timeoutSource{Source: src, d: d}
}

func (t *timeoutSource) Sample(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	type outcome struct {
		v   float64
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		// invoke's recover does not reach this goroutine
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("source panicked: %v", p)}
			}
		}()
		v, err := t.Source.Sample(ctx)
		ch <- outcome{v: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w after %s", ErrSourceTimeout, t.d)
		}
		return 0, ctx.Err()
	}
}

// WithTimeouts wraps every source with the same bound.
func WithTimeouts(sources []Source, d time.Duration) []Source {
	out := make([]Source, len(sources))
	for i, src := range sources {
		out[i] = WithTimeout(src, d)
	}
	return out
}
