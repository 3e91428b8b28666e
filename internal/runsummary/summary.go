// Package runsummary accumulates what a pipeline run did: unit counts per
// stage outcome and, for each failure category, a count and a few sample
// identifiers. One Summary is passed through every stage of a run and is
// safe for concurrent use by worker pools.
package runsummary

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"specscan/internal/faults"
)

// Unit counters in reporting order.
const (
	Enqueued   = "enqueued"
	Fetched    = "fetched"
	Cached     = "cached"
	Extracted  = "extracted"
	Normalized = "normalized"
	LowQuality = "low_quality"
	Stored     = "stored"
	Duplicates = "duplicates"
	Scored     = "scored"
	Unscorable = "unscorable"
	Skipped    = "skipped"
	Ranked     = "ranked"
)

var counterOrder = []string{
	Enqueued, Fetched, Cached, Extracted, Normalized, LowQuality,
	Stored, Duplicates, Scored, Unscorable, Skipped, Ranked,
}

// MaxSamples bounds the identifiers kept per failure category.
const MaxSamples = 5

// Count is one counter value.
type Count struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Failure aggregates failures of one category.
type Failure struct {
	Category string   `json:"category"`
	Count    int64    `json:"count"`
	Samples  []string `json:"samples"`
	Fatal    bool     `json:"fatal"`
}

// Summary is the run accumulator. The zero value is not usable; call New.
type Summary struct {
	mu       sync.Mutex
	counts   map[string]int64
	failures map[string]*Failure
}

// New returns an empty summary.
func New() *Summary {
	return &Summary{counts: make(map[string]int64), failures: make(map[string]*Failure)}
}

// Add increments counter by n.
func (s *Summary) Add(counter string, n int64) {
	if s == nil || n == 0 {
		return
	}
	s.mu.Lock()
	s.counts[counter] += n
	s.mu.Unlock()
}

// Count returns the value of counter.
func (s *Summary) Count(counter string) int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[counter]
}

// Record classifies err and records it against id (a tile key or object
// identifier).
func (s *Summary) Record(err error, id string) {
	if s == nil || err == nil {
		return
	}
	category := faults.Category(err)
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[category]
	if !ok {
		f = &Failure{Category: category, Fatal: faults.Fatal(category)}
		s.failures[category] = f
	}
	f.Count++
	if id != "" && len(f.Samples) < MaxSamples {
		f.Samples = append(f.Samples, id)
	}
}

// Counts returns non-zero counters in reporting order, followed by any
// unknown counters sorted by name.
func (s *Summary) Counts() []Count {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Count, 0, len(s.counts))
	seen := make(map[string]bool, len(counterOrder))
	for _, name := range counterOrder {
		seen[name] = true
		if v := s.counts[name]; v != 0 {
			out = append(out, Count{Name: name, Value: v})
		}
	}
	var extra []string
	for name := range s.counts {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		out = append(out, Count{Name: name, Value: s.counts[name]})
	}
	return out
}

// Failures returns the failure categories sorted by name.
func (s *Summary) Failures() []Failure {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Failure, 0, len(s.failures))
	for _, f := range s.failures {
		cp := *f
		cp.Samples = append([]string(nil), f.Samples...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// ExitNonZero reports whether any recorded failure left work undone.
func (s *Summary) ExitNonZero() bool {
	for _, f := range s.Failures() {
		if f.Fatal {
			return true
		}
	}
	return false
}

// ErrIncomplete is returned by Err when the run must exit non-zero.
var ErrIncomplete = errors.New("run left work undone")

// Err returns ErrIncomplete naming the fatal categories, or nil.
func (s *Summary) Err() error {
	var parts []string
	for _, f := range s.Failures() {
		if f.Fatal {
			parts = append(parts, fmt.Sprintf("%s=%d", f.Category, f.Count))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIncomplete, strings.Join(parts, ", "))
}

// Snapshot is a JSON-friendly copy of the summary.
type Snapshot struct {
	Counts   []Count   `json:"counts"`
	Failures []Failure `json:"failures"`
	ExitCode int       `json:"exit_code"`
}

// Snapshot copies the current state.
func (s *Summary) Snapshot() Snapshot {
	snap := Snapshot{Counts: s.Counts(), Failures: s.Failures()}
	if snap.Counts == nil {
		snap.Counts = []Count{}
	}
	if snap.Failures == nil {
		snap.Failures = []Failure{}
	}
	if s.ExitNonZero() {
		snap.ExitCode = 1
	}
	return snap
}
