package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// BatchOptions configures RunBatch.
type BatchOptions struct {
	// Count is the number of sequential exchanges.
	Count int

	// Interval is the pause between one exchange settling and the next
	// request being sent.
	Interval time.Duration

	// Timeout bounds each exchange. Non-positive uses Options.Timeout.
	Timeout time.Duration

	// Body is sent with every request.
	Body []byte
}

// Sample is the outcome of one exchange in a batch. A lost exchange keeps
// its position with OK false so gaps stay visible.
type Sample struct {
	Seq     int           `json:"seq"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"-"`
	Reason  string        `json:"reason,omitempty"`
}

// LatencyMs returns the latency in milliseconds, or nil for a lost sample.
func (s Sample) LatencyMs() *float64 {
	if !s.OK {
		return nil
	}
	ms := durationMs(s.Latency)
	return &ms
}

// MarshalJSON encodes the sample with latency_ms, null when lost.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Seq       int      `json:"seq"`
		OK        bool     `json:"ok"`
		LatencyMs *float64 `json:"latency_ms"`
		Reason    string   `json:"reason,omitempty"`
	}{s.Seq, s.OK, s.LatencyMs(), s.Reason})
}

// Sample reasons for lost exchanges.
const (
	ReasonTimeout      = "timeout"
	ReasonSuperseded   = "superseded"
	ReasonNotConnected = "not_connected"
	ReasonStopped      = "stopped"
	ReasonError        = "error"
)

// RunBatch performs opts.Count awaited exchanges with key, one after the
// other, pausing opts.Interval between them. Each exchange fully settles
// before the next is sent, so a batch never supersedes itself.
//
// The returned slice always has one Sample per exchange attempted. If ctx
// is cancelled the samples collected so far are returned with ctx.Err().
func (c *Correlator) RunBatch(ctx context.Context, key string, opts BatchOptions) ([]Sample, error) {
	if opts.Count <= 0 {
		return nil, ErrInvalidBatch
	}
	if key == "" {
		return nil, ErrInvalidKey
	}

	samples := make([]Sample, 0, opts.Count)
	for i := range opts.Count {
		if i > 0 && opts.Interval > 0 {
			timer := time.NewTimer(opts.Interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return samples, ctx.Err()
			}
		}

		latency, err := c.SendAwaitable(ctx, key, opts.Body, opts.Timeout)
		if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
			return samples, ctxErr
		}
		if errors.Is(err, ErrStopped) {
			samples = append(samples, lostSample(i, err))
			return samples, err
		}

		if err != nil {
			samples = append(samples, lostSample(i, err))
			continue
		}
		samples = append(samples, Sample{Seq: i, OK: true, Latency: latency})
	}
	return samples, nil
}

func lostSample(seq int, err error) Sample {
	reason := ReasonError
	switch {
	case errors.Is(err, ErrTimeout):
		reason = ReasonTimeout
	case errors.Is(err, ErrSuperseded):
		reason = ReasonSuperseded
	case errors.Is(err, ErrNotConnected):
		reason = ReasonNotConnected
	case errors.Is(err, ErrStopped):
		reason = ReasonStopped
	}
	return Sample{Seq: seq, Reason: reason}
}

// Stats summarises a batch.
type Stats struct {
	Sent     int     `json:"sent"`
	Received int     `json:"received"`
	LossPct  float64 `json:"loss_pct"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	MeanMs   float64 `json:"mean_ms"`
	JitterMs float64 `json:"jitter_ms"`
}

// Summarize computes batch statistics. Latency figures cover received
// samples only; jitter is the mean absolute difference between consecutive
// received samples.
func Summarize(samples []Sample) Stats {
	st := Stats{Sent: len(samples)}
	if st.Sent == 0 {
		return st
	}

	var (
		sum, diffSum float64
		prev         float64
		havePrev     bool
		diffs        int
	)
	st.MinMs = math.Inf(1)
	for _, s := range samples {
		if !s.OK {
			continue
		}
		ms := durationMs(s.Latency)
		st.Received++
		sum += ms
		st.MinMs = math.Min(st.MinMs, ms)
		st.MaxMs = math.Max(st.MaxMs, ms)
		if havePrev {
			diffSum += math.Abs(ms - prev)
			diffs++
		}
		prev, havePrev = ms, true
	}

	st.LossPct = 100 * float64(st.Sent-st.Received) / float64(st.Sent)
	if st.Received == 0 {
		st.MinMs = 0
		return st
	}
	st.MeanMs = sum / float64(st.Received)
	if diffs > 0 {
		st.JitterMs = diffSum / float64(diffs)
	}
	return st
}
