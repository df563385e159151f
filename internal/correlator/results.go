package correlator

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Result is one completed exchange.
type Result struct {
	Key        string        `json:"peer"`
	Latency    time.Duration `json:"-"`
	LatencyMs  float64       `json:"latency_ms"`
	ReceivedAt time.Time     `json:"received_at"`
}

// ResultSink receives every completed exchange. Sinks are called on the bus
// dispatcher goroutine and must not block.
type ResultSink interface {
	RecordResult(r Result)
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(r Result)

// RecordResult calls f(r).
func (f ResultSinkFunc) RecordResult(r Result) {
	f(r)
}

// Results keeps the latest Result per key for display.
type Results struct {
	mu     sync.RWMutex
	latest map[string]Result
}

// NewResults creates an empty store.
func NewResults() *Results {
	return &Results{latest: make(map[string]Result)}
}

// RecordResult stores r as the latest result for its key.
func (s *Results) RecordResult(r Result) {
	s.mu.Lock()
	s.latest[r.Key] = r
	s.mu.Unlock()
}

// Latest returns the most recent result for key.
func (s *Results) Latest(key string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.latest[key]
	return r, ok
}

// All returns the latest result for every key, sorted by key.
func (s *Results) All() []Result {
	s.mu.RLock()
	out := make([]Result, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Result) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// Len returns the number of keys with a result.
func (s *Results) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

func newResult(key string, latency time.Duration, at time.Time) Result {
	return Result{
		Key:        key,
		Latency:    latency,
		LatencyMs:  durationMs(latency),
		ReceivedAt: at,
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
