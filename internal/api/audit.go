package api

import (
	"net/http"

	"github.com/nerrad567/fleetdash/internal/audit"
)

// requestSubject returns the token subject of an authenticated request,
// or "" when auth is disabled.
func requestSubject(r *http.Request) string {
	subject, _ := r.Context().Value(ctxKeySubject).(string) //nolint:errcheck // empty when auth is disabled
	return subject
}

// recordAction stores an operator action. A failure is logged and does not
// fail the request that performed the action.
func (s *Server) recordAction(r *http.Request, action, target string, details map[string]any) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{
		Action:  action,
		Target:  target,
		Subject: requestSubject(r),
		Source:  audit.SourceAPI,
		Details: details,
	}
	if err := s.audit.Record(r.Context(), e); err != nil {
		s.logger.Error("recording audit entry failed", "action", action, "target", target, "error", err)
	}
}

// handleListAudit lists recorded operator actions, newest first.
// Query: action, target, subject (optional), limit (default 50, max 200), offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit log not configured")
		return
	}

	limit, ok := queryInt(r, "limit")
	if !ok {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	offset, ok := queryInt(r, "offset")
	if !ok {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	q := r.URL.Query()
	res, err := s.audit.List(r.Context(), audit.Filter{
		Action:  q.Get("action"),
		Target:  q.Get("target"),
		Subject: q.Get("subject"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.logger.Error("listing audit entries failed", "error", err)
		writeInternalError(w, "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
