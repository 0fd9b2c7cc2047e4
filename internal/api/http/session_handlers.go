package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/storyvote/storyvote/internal/domain/session"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"lobby":  s.lobbySvc.Stats(),
	})
}

func (s *Server) listStories(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"stories": s.lobbySvc.Stories(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 200)
	state := session.State(r.URL.Query().Get("state"))

	all := s.lobbySvc.ListSessions()
	filtered := make([]session.Snapshot, 0, len(all))
	for _, snap := range all {
		if state == "" || snap.State == state {
			filtered = append(filtered, snap)
		}
	}
	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": filtered[offset:end],
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	snap, ok := s.lobbySvc.GetSession(id)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) getSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	archive, err := s.lobbySvc.SessionHistory(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("failed to load session history")
		respondError(w, http.StatusInternalServerError, "INTERNAL", "failed to load history")
		return
	}
	if archive == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	respondJSON(w, http.StatusOK, archive)
}
