// Package session runs a bounded, fixed-interval sampling loop and keeps its
// results in memory for concurrent readers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hostwatch/collector"
)

var (
	// ErrInvalidConfiguration is returned by Start for out-of-range
	// parameters or when a run is already in progress.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrUnavailable is returned by Data before the first Start.
	ErrUnavailable = errors.New("no data: session never started")
)

// Accepted ranges, in units (seconds unless WithUnit says otherwise).
const (
	MinInterval = 1
	MaxInterval = 3600
	MinDuration = 10
	MaxDuration = 86400
)

// State is the lifecycle position of a Session.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Collector produces one Sample per tick. *collector.Sampler satisfies it.
type Collector interface {
	Collect(ctx context.Context) collector.Sample
}

// ExportFunc persists the samples accumulated so far.
type ExportFunc func(ctx context.Context, samples []collector.Sample) error

// Option tunes a Session.
type Option func(*Session)

// WithUnit sets the length of one interval/duration unit. Default time.Second.
func WithUnit(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.unit = d
		}
	}
}

// WithExport schedules fn every period while a run is active. It runs in its
// own goroutine on a copy of the buffer, so a slow export never delays a tick.
func WithExport(every time.Duration, fn ExportFunc) Option {
	return func(s *Session) {
		if every > 0 && fn != nil {
			s.exportEvery, s.exportFn = every, fn
		}
	}
}

// Info is a point-in-time description of a Session.
type Info struct {
	ID        string    `json:"id,omitempty"`
	State     string    `json:"state"`
	Interval  int       `json:"interval,omitempty"`
	Duration  int       `json:"duration,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
	Samples   int       `json:"samples"`
	Dropped   int       `json:"dropped"`
}

// Session owns one collection loop at a time. The loop goroutine is the only
// writer of the sample buffer; every other method reads under the lock.
//
// Stop latency is bounded by one in-flight Collect: a source that ignores
// context cancellation delays Stop until it returns.
type Session struct {
	sampler     Collector
	log         *zap.Logger
	unit        time.Duration
	exportEvery time.Duration
	exportFn    ExportFunc

	mu        sync.RWMutex
	state     State
	id        string
	interval  int
	duration  int
	startedAt time.Time
	deadline  time.Time
	samples   []collector.Sample
	dropped   int
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an idle Session around a sampler.
func New(sampler Collector, log *zap.Logger, opts ...Option) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	done := make(chan struct{})
	close(done)
	s := &Session{
		sampler: sampler,
		log:     log,
		unit:    time.Second,
		done:    done,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks interval and duration against the accepted ranges.
func Validate(interval, duration int) error {
	if interval < MinInterval || interval > MaxInterval {
		return fmt.Errorf("%w: interval %d outside [%d, %d]", ErrInvalidConfiguration, interval, MinInterval, MaxInterval)
	}
	if duration < MinDuration || duration > MaxDuration {
		return fmt.Errorf("%w: duration %d outside [%d, %d]", ErrInvalidConfiguration, duration, MinDuration, MaxDuration)
	}
	return nil
}

// Start begins a run of duration units, collecting every interval units, and
// returns immediately. Cancelling ctx ends the run like Stop does.
// A Stopped session may be started again; its previous samples are discarded.
func (s *Session) Start(ctx context.Context, interval, duration int) error {
	if err := Validate(interval, duration); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running || s.state == Stopping {
		return fmt.Errorf("%w: session is %s", ErrInvalidConfiguration, s.state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	every := time.Duration(interval) * s.unit

	s.id = uuid.NewString()
	s.interval, s.duration = interval, duration
	s.startedAt = time.Now()
	s.deadline = s.startedAt.Add(time.Duration(duration) * s.unit)
	s.samples = nil
	s.dropped = 0
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = Running

	if interval > duration {
		s.log.Warn("interval longer than duration, run will collect nothing",
			zap.Int("interval", interval), zap.Int("duration", duration))
	}
	s.log.Info("session started",
		zap.String("id", s.id),
		zap.Duration("interval", every),
		zap.Time("deadline", s.deadline))

	go s.run(runCtx, cancel, s.id, every, s.startedAt, s.deadline, s.done)
	return nil
}

// Stop cancels the active run, waits until the loop and any export task have
// exited and returns the final samples. On an idle or stopped session it just
// returns what is buffered.
func (s *Session) Stop() []collector.Sample {
	s.mu.Lock()
	if s.state == Running {
		s.state = Stopping
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copySamples(0)
}

// Data returns a copy of the samples gathered so far without waiting for the
// loop. It fails with ErrUnavailable only if the session was never started.
func (s *Session) Data() ([]collector.Sample, error) {
	return s.DataSince(0)
}

// DataSince is Data limited to samples at index offset and later.
func (s *Session) DataSince(offset int) ([]collector.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == Idle {
		return nil, ErrUnavailable
	}
	return s.copySamples(offset), nil
}

// Follow reads the run ID and the buffer under one lock, for readers that
// track a position across polls. Samples start at offset when runID is still
// the current run and at 0 once a newer run has replaced it.
func (s *Session) Follow(runID string, offset int) (string, []collector.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == Idle {
		return "", nil, ErrUnavailable
	}
	if s.id != runID {
		offset = 0
	}
	return s.id, s.copySamples(offset), nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed when the current run has fully ended. It is already closed
// for a session that was never started.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Info describes the session for status displays.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:        s.id,
		State:     s.state.String(),
		Interval:  s.interval,
		Duration:  s.duration,
		StartedAt: s.startedAt,
		Deadline:  s.deadline,
		Samples:   len(s.samples),
		Dropped:   s.dropped,
	}
}

// StartedAt returns when the latest run began, zero before the first Start.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Deadline returns the end of the latest run's window.
func (s *Session) Deadline() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deadline
}

// ID returns the identifier of the latest run, empty before the first Start.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// copySamples must be called with mu held.
func (s *Session) copySamples(offset int) []collector.Sample {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.samples) {
		return []collector.Sample{}
	}
	out := make([]collector.Sample, len(s.samples)-offset)
	copy(out, s.samples[offset:])
	return out
}

func (s *Session) appendSample(sample collector.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.samples); n > 0 {
		// keep timestamps strictly increasing even on a coarse clock
		if last := s.samples[n-1].Timestamp; !sample.Timestamp.After(last) {
			sample.Timestamp = last.Add(time.Nanosecond)
		}
	}
	s.samples = append(s.samples, sample)
}

func (s *Session) finish(id string, done chan struct{}) {
	s.mu.Lock()
	s.state = Stopped
	count, dropped := len(s.samples), s.dropped
	s.mu.Unlock()
	close(done)

	s.log.Info("session stopped", zap.String("id", id), zap.Int("samples", count), zap.Int("dropped", dropped))
}
