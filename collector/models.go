package collector

import (
	"errors"
	"math"
	"time"
)

// ErrNotFinite is recorded when a source reports NaN or ±Inf.
var ErrNotFinite = errors.New("value is not a finite number")

// Reading is one source's contribution to a Sample.
// Exactly one of Value and Error is set.
type Reading struct {
	Path  string   `json:"path" yaml:"path"`                       // e.g. "cpu.total_percent"
	Value *float64 `json:"value,omitempty" yaml:"value,omitempty"` // nil when the source failed
	Error string   `json:"error,omitempty" yaml:"error,omitempty"` // set only when Value is nil
}

// Succeeded builds a Reading carrying a value. Non-finite values are turned
// into failures so every Sample stays serialisable.
func Succeeded(path string, v float64) Reading {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Failed(path, ErrNotFinite)
	}
	return Reading{Path: path, Value: &v}
}

// Failed builds a Reading carrying the failure of a source.
func Failed(path string, err error) Reading {
	if err == nil {
		err = errors.New("unknown source failure")
	}
	return Reading{Path: path, Error: err.Error()}
}

// SourceError is a source failure tagged with the source path.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string { return "source " + e.Path + ": " + e.Err.Error() }

func (e *SourceError) Unwrap() error { return e.Err }

// Err returns the failure as a *SourceError, or nil for a successful Reading.
func (r Reading) Err() error {
	if r.OK() {
		return nil
	}
	return &SourceError{Path: r.Path, Err: errors.New(r.Error)}
}

// OK reports whether the source produced a value this tick.
func (r Reading) OK() bool { return r.Value != nil }

// Float returns the value and whether it is present.
func (r Reading) Float() (float64, bool) {
	if r.Value == nil {
		return 0, false
	}
	return *r.Value, true
}

// Sample is the result of a single collection tick.
// Readings follow the registration order of the Sampler's sources.
type Sample struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Readings  []Reading `json:"readings" yaml:"readings"`
}

// Lookup returns the reading registered under path.
func (s Sample) Lookup(path string) (Reading, bool) {
	for _, r := range s.Readings {
		if r.Path == path {
			return r, true
		}
	}
	return Reading{}, false
}

// Failures counts the readings that carry an error.
func (s Sample) Failures() int {
	n := 0
	for _, r := range s.Readings {
		if !r.OK() {
			n++
		}
	}
	return n
}
