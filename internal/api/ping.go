package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetdash/internal/audit"
	"github.com/nerrad567/fleetdash/internal/correlator"
	"github.com/nerrad567/fleetdash/internal/history"
)

// maxPingTimeout caps the per-exchange timeout a client may request.
const maxPingTimeout = 30 * time.Second

// PingResponse is the response for a successful POST /ping/{peer}.
type PingResponse struct {
	Peer      string  `json:"peer"`
	LatencyMs float64 `json:"latency_ms"`
}

// batchRequest is the optional body of POST /ping/{peer}/batch.
type batchRequest struct {
	Count      int    `json:"count"`
	IntervalMs *int64 `json:"interval_ms"`
	TimeoutMs  int64  `json:"timeout_ms"`
}

// handlePing performs one awaited ping exchange with the peer.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if s.pinger == nil {
		writeUnavailable(w, "latency probe not configured")
		return
	}
	peer := chi.URLParam(r, "peer")

	timeout := s.pingCfg.Timeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			writeBadRequest(w, "timeout_ms must be a positive integer")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	timeout = min(timeout, maxPingTimeout)

	latency, err := s.pinger.SendAwaitable(r.Context(), peer, nil, timeout)
	if err != nil {
		s.writeExchangeError(w, r, peer, err)
		return
	}

	writeJSON(w, http.StatusOK, PingResponse{
		Peer:      peer,
		LatencyMs: float64(latency) / float64(time.Millisecond),
	})
}

// handleBatch runs a sequential batch test against the peer, stores it in
// history and returns the run with every sample.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if s.pinger == nil {
		writeUnavailable(w, "latency probe not configured")
		return
	}
	peer := chi.URLParam(r, "peer")

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	opts, msg := s.batchOptions(req)
	if msg != "" {
		writeBadRequest(w, msg)
		return
	}

	started := time.Now()
	samples, err := s.pinger.RunBatch(r.Context(), peer, opts)
	if err != nil {
		s.writeExchangeError(w, r, peer, err)
		return
	}

	run := history.NewRun(peer, opts, started, samples)
	if s.history != nil {
		// The measurements are still returned when they cannot be stored.
		if err := s.history.SaveRun(r.Context(), &run); err != nil {
			s.logger.Error("saving batch run failed", "peer", peer, "run_id", run.ID, "error", err)
		}
	}
	if s.batches != nil {
		s.batches.WriteBatchStats(peer, run.Stats, run.FinishedAt)
	}
	s.recordAction(r, audit.ActionBatch, peer, map[string]any{
		"run_id":   run.ID,
		"sent":     run.Stats.Sent,
		"received": run.Stats.Received,
	})
	s.hub.Broadcast(ChannelPingBatch, map[string]any{
		"id":    run.ID,
		"peer":  peer,
		"stats": run.Stats,
	})

	writeJSON(w, http.StatusOK, run)
}

// batchOptions fills req's gaps from configuration and validates the
// result. A non-empty message describes the first invalid field.
func (s *Server) batchOptions(req batchRequest) (correlator.BatchOptions, string) {
	opts := correlator.BatchOptions{
		Count:    s.pingCfg.Batch.Count,
		Interval: s.pingCfg.Batch.Interval,
		Timeout:  s.pingCfg.Timeout,
	}
	if req.Count != 0 {
		opts.Count = req.Count
	}
	if req.IntervalMs != nil {
		opts.Interval = time.Duration(*req.IntervalMs) * time.Millisecond
	}
	if req.TimeoutMs != 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	switch {
	case opts.Count < 1:
		return opts, "count must be positive"
	case s.pingCfg.Batch.MaxCount > 0 && opts.Count > s.pingCfg.Batch.MaxCount:
		return opts, "count exceeds " + strconv.Itoa(s.pingCfg.Batch.MaxCount)
	case opts.Interval < 0:
		return opts, "interval_ms must not be negative"
	case opts.Timeout <= 0:
		return opts, "timeout_ms must be positive"
	}
	opts.Timeout = min(opts.Timeout, maxPingTimeout)
	return opts, ""
}

// writeExchangeError maps correlator outcomes onto HTTP responses.
func (s *Server) writeExchangeError(w http.ResponseWriter, r *http.Request, peer string, err error) {
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away; nobody is listening for a response.
		return
	case errors.Is(err, correlator.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "no reply from "+peer)
	case errors.Is(err, correlator.ErrSuperseded):
		writeError(w, http.StatusConflict, ErrCodeConflict, "superseded by a newer ping to "+peer)
	case errors.Is(err, correlator.ErrNotConnected), errors.Is(err, correlator.ErrStopped):
		writeUnavailable(w, "bus disconnected")
	case errors.Is(err, correlator.ErrInvalidKey), errors.Is(err, correlator.ErrInvalidBatch):
		writeBadRequest(w, err.Error())
	default:
		s.logger.Error("ping exchange failed", "peer", peer, "error", err)
		writeInternalError(w, "ping failed")
	}
}

// handlePingResults returns the latest latency per peer.
func (s *Server) handlePingResults(w http.ResponseWriter, _ *http.Request) {
	if s.pinger == nil {
		writeUnavailable(w, "latency probe not configured")
		return
	}
	results := s.pinger.Results().All()
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}
