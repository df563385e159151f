package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetdash/internal/audit"
	"github.com/nerrad567/fleetdash/internal/bus"
)

// BusStatus is the response for GET /bus.
type BusStatus struct {
	State         string   `json:"state"`
	Connected     bool     `json:"connected"`
	Topics        []string `json:"topics"`
	DroppedFrames uint64   `json:"dropped_frames"`
}

// handleBusStatus reports the connection state and active subscriptions.
func (s *Server) handleBusStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.bus.State()
	topics := s.bus.Topics()
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, BusStatus{
		State:         state.String(),
		Connected:     state == bus.StateConnected,
		Topics:        topics,
		DroppedFrames: s.bus.DroppedFrames(),
	})
}

// handlePublish forwards the raw request body to the topic named by the
// rest of the path, e.g. POST /publish/fleet/robot1/command.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "*")
	if err := bus.ValidateTopic(topic); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "payload too large")
			return
		}
		writeBadRequest(w, "failed to read body")
		return
	}

	if err := s.bus.PublishContext(r.Context(), topic, payload); err != nil {
		switch {
		case errors.Is(err, bus.ErrNotConnected), errors.Is(err, bus.ErrClosed):
			writeUnavailable(w, "bus disconnected")
		case errors.Is(err, bus.ErrInvalidTopic):
			writeBadRequest(w, err.Error())
		case errors.Is(err, bus.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "publish timed out")
		default:
			s.logger.Error("publish failed", "topic", topic, "error", err)
			writeInternalError(w, "publish failed")
		}
		return
	}

	s.recordAction(r, audit.ActionPublish, topic, map[string]any{"bytes": len(payload)})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"topic": topic,
		"bytes": len(payload),
	})
}
