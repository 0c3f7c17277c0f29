package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/harun/tutorline/internal/tracing"
	"github.com/harun/tutorline/pkg/session"
	"github.com/harun/tutorline/pkg/store"
)

type historyResponse struct {
	SessionID string             `json:"sessionId"`
	Active    bool               `json:"active"`
	Turns     []store.StoredTurn `json:"turns"`
}

type sessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	ctx := tracing.WithSessionID(r.Context(), sessionID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	turns, err := s.history.ListTurns(ctx, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list turns")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load history"})
		return
	}

	_, getErr := s.registry.Get(sessionID)
	active := getErr == nil
	if len(turns) == 0 && !active {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": session.ErrSessionNotFound.Error()})
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{SessionID: sessionID, Active: active, Turns: turns})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: s.registry.List()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
