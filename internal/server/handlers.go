package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rogeecn/marzban-bot/internal/marzban"
	"github.com/rs/zerolog/log"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error", "method_not_allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.PathValue("username"))
	if username == "" {
		writeAPIError(w, http.StatusBadRequest, "username is required", "invalid_request_error", "bad_request")
		return
	}

	user, err := s.panel.GetUser(r.Context(), username)
	if err != nil {
		s.writePanelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.PathValue("username"))
	if username == "" {
		writeAPIError(w, http.StatusBadRequest, "username is required", "invalid_request_error", "bad_request")
		return
	}

	if err := s.panel.DeleteUser(r.Context(), username); err != nil {
		s.writePanelError(w, r, err)
		return
	}

	log.Info().
		Str("request_id", requestIDFromContext(r.Context())).
		Str("username", username).
		Msg("admin: panel user deleted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "username": username})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "sweeper not configured", "internal_error", "sweeper_unavailable")
		return
	}

	// Remote deletes and the local commit belong together; a client hanging
	// up must not stop the run between them.
	report, err := s.sweeper.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		log.Error().
			Err(err).
			Str("request_id", requestIDFromContext(r.Context())).
			Str("run_id", report.RunID).
			Msg("admin: manual sweep failed")
		writeAPIError(w, http.StatusInternalServerError, "sweep failed: "+err.Error(), "internal_error", "sweep_failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) writePanelError(w http.ResponseWriter, r *http.Request, err error) {
	log.Warn().
		Err(err).
		Str("request_id", requestIDFromContext(r.Context())).
		Str("path", r.URL.Path).
		Msg("admin: panel call failed")

	var statusErr *marzban.StatusError
	switch {
	case errors.Is(err, marzban.ErrNotFound), marzban.StatusCode(err) == http.StatusNotFound:
		writeAPIError(w, http.StatusNotFound, "user not found on panel", "invalid_request_error", "not_found")
	case errors.Is(err, marzban.ErrNotConfigured):
		writeAPIError(w, http.StatusServiceUnavailable, "panel not configured", "api_error", "panel_not_configured")
	case errors.Is(err, marzban.ErrNoCredentials),
		errors.Is(err, marzban.ErrAuthentication),
		errors.Is(err, marzban.ErrUnauthorized):
		writeAPIError(w, http.StatusBadGateway, "panel authentication failed", "api_error", "panel_auth_failed")
	case errors.As(err, &statusErr):
		writeAPIError(w, http.StatusBadGateway, err.Error(), "api_error", "panel_error")
	default:
		writeAPIError(w, http.StatusBadGateway, "panel unavailable", "api_error", "panel_unavailable")
	}
}
