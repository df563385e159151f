package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/fleetdash/internal/correlator"
)

// Measurement names written by the dashboard.
const (
	MeasurementPingLatency = "ping_latency"
	MeasurementPingBatch   = "ping_batch"
)

// RecordResult writes one settled exchange as a ping_latency point tagged
// with the peer. It implements correlator.ResultSink, so the client can be
// passed in correlator.Options.Sinks. The write is non-blocking.
func (c *Client) RecordResult(r correlator.Result) {
	c.WritePointWithTime(MeasurementPingLatency,
		map[string]string{"peer": r.Key},
		map[string]any{"latency_ms": r.LatencyMs},
		r.ReceivedAt,
	)
}

// WriteBatchStats writes the summary of a batch test.
//
// Example:
//
//	client.WriteBatchStats("robot1", correlator.Summarize(samples), time.Now())
func (c *Client) WriteBatchStats(peer string, st correlator.Stats, at time.Time) {
	fields := map[string]any{
		"sent":     st.Sent,
		"received": st.Received,
		"loss_pct": st.LossPct,
	}
	// Latency fields are meaningless when nothing came back.
	if st.Received > 0 {
		fields["min_ms"] = st.MinMs
		fields["max_ms"] = st.MaxMs
		fields["mean_ms"] = st.MeanMs
		fields["jitter_ms"] = st.JitterMs
	}
	c.WritePointWithTime(MeasurementPingBatch, map[string]string{"peer": peer}, fields, at)
}

// WritePoint writes a custom point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp. A
// zero timestamp means now. Points written while disconnected are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}

var _ correlator.ResultSink = (*Client)(nil)
