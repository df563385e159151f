package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleetdash/internal/correlator"
)

// Repository errors.
var (
	ErrRunNotFound = errors.New("history: run not found")
	ErrInvalidRun  = errors.New("history: invalid run")
)

// Run is a stored batch test.
type Run struct {
	ID         string              `json:"id"`
	Peer       string              `json:"peer"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Count      int                 `json:"count"`
	IntervalMs int64               `json:"interval_ms"`
	TimeoutMs  int64               `json:"timeout_ms"`
	Stats      correlator.Stats    `json:"stats"`
	Samples    []correlator.Sample `json:"samples,omitempty"`
}

// NewRun builds a Run with a fresh id from a finished batch. FinishedAt is
// the current time and Stats is computed from samples.
func NewRun(peer string, opts correlator.BatchOptions, startedAt time.Time, samples []correlator.Sample) Run {
	return Run{
		ID:         uuid.NewString(),
		Peer:       peer,
		StartedAt:  startedAt.UTC(),
		FinishedAt: time.Now().UTC(),
		Count:      opts.Count,
		IntervalMs: opts.Interval.Milliseconds(),
		TimeoutMs:  opts.Timeout.Milliseconds(),
		Stats:      correlator.Summarize(samples),
		Samples:    samples,
	}
}

func (r *Run) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRun)
	}
	if r.Peer == "" {
		return fmt.Errorf("%w: peer is required", ErrInvalidRun)
	}
	return nil
}
