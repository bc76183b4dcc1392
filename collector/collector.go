package collector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Source is the public contract any metric probe must satisfy.
type Source interface {
	// Path names the metric, e.g. "memory.used_percent".
	Path() string
	// Sample reads the current value. Implementations should honour ctx
	// and return an error rather than block forever.
	Sample(ctx context.Context) (float64, error)
}

type funcSource struct {
	path string
	fn   func(ctx context.Context) (float64, error)
}

// NewSource adapts a plain function to the Source interface.
func NewSource(path string, fn func(ctx context.Context) (float64, error)) Source {
	return &funcSource{path: path, fn: fn}
}

func (f *funcSource) Path() string { return f.path }

func (f *funcSource) Sample(ctx context.Context) (float64, error) { return f.fn(ctx) }

// Option tunes a Sampler.
type Option func(*Sampler)

// WithWorkers runs up to n sources concurrently during a tick.
// n <= 1 keeps sequential collection.
func WithWorkers(n int) Option {
	return func(s *Sampler) { s.workers = n }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// Sampler produces one Sample per call by invoking every registered source
// exactly once. The source list is fixed at construction, so Collect is safe
// to call from several goroutines as long as the sources are.
type Sampler struct {
	sources []Source
	workers int
	now     func() time.Time
	log     *zap.Logger
}

// NewSampler registers sources in the given order.
func NewSampler(sources []Source, log *zap.Logger, opts ...Option) *Sampler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sampler{
		sources: append([]Source(nil), sources...),
		workers: 1,
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Paths lists the registered metric paths in registration order.
func (s *Sampler) Paths() []string {
	paths := make([]string, len(s.sources))
	for i, src := range s.sources {
		paths[i] = src.Path()
	}
	return paths
}

// Collect runs every registered source and returns a single Sample.
// A failing source is recorded as a failed Reading; it never aborts the tick.
func (s *Sampler) Collect(ctx context.Context) Sample {
	sample := Sample{Timestamp: s.now()}

	if s.workers > 1 && len(s.sources) > 1 {
		sample.Readings = collectParallel(ctx, s.sources, s.workers)
	} else {
		sample.Readings = make([]Reading, len(s.sources))
		for i, src := range s.sources {
			sample.Readings[i] = invoke(ctx, src)
		}
	}

	for _, r := range sample.Readings {
		if !r.OK() {
			s.log.Debug("source failed", zap.Error(r.Err()))
		}
	}
	return sample
}

func invoke(ctx context.Context, src Source) (r Reading) {
	defer func() {
		if p := recover(); p != nil {
			r = Failed(src.Path(), fmt.Errorf("source panicked: %v", p))
		}
	}()
	v, err := src.Sample(ctx)
	if err != nil {
		return Failed(src.Path(), err)
	}
	return Succeeded(src.Path(), v)
}
