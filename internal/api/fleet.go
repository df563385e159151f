package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetdash/internal/fleet"
)

// handleListPeers returns every known peer with its latest state.
func (s *Server) handleListPeers(w http.ResponseWriter, _ *http.Request) {
	if s.fleet == nil {
		writeUnavailable(w, "fleet view not configured")
		return
	}
	peers := s.fleet.Peers()
	writeJSON(w, http.StatusOK, map[string]any{
		"peers": peers,
		"count": len(peers),
	})
}

// handleGetPeer returns one peer's latest state.
func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		writeUnavailable(w, "fleet view not configured")
		return
	}
	peer, ok := s.fleet.Peer(chi.URLParam(r, "peer"))
	if !ok {
		writeNotFound(w, "peer not found")
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

// handlePeerLogs returns a peer's retained log lines, oldest first.
// Query: limit (0 or absent returns everything retained).
func (s *Server) handlePeerLogs(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		writeUnavailable(w, "fleet view not configured")
		return
	}
	name := chi.URLParam(r, "peer")
	if _, ok := s.fleet.Peer(name); !ok {
		writeNotFound(w, "peer not found")
		return
	}

	limit, ok := queryInt(r, "limit")
	if !ok {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	logs := s.fleet.Logs(name, limit)
	if logs == nil {
		logs = []fleet.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peer": name,
		"logs": logs,
	})
}
