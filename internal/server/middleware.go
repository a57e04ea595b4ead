package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	requestIDContextKey contextKey = "request_id"
	requestIDHeader                = "X-Request-ID"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// LoggingMiddleware tags each request with an id (reusing X-Request-ID when
// the caller sent one) and writes an access log line.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		start := time.Now()
		ctx := context.WithValue(r.Context(), requestIDContextKey, requestID)
		next.ServeHTTP(rec, r.WithContext(ctx))

		event := accessLogEvent(r.URL.Path, rec.statusCode)
		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.statusCode).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Dur("duration", time.Since(start)).
			Msg("http request completed")
	})
}

// AuthMiddleware requires "Authorization: Bearer <token>". An empty token
// rejects every request.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				writeAPIError(w, http.StatusServiceUnavailable, "admin api disabled", "internal_error", "admin_disabled")
				return
			}

			presented, ok := parseBearerToken(r.Header.Get("Authorization"))
			if !ok {
				log.Warn().
					Str("request_id", requestIDFromContext(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Msg("request rejected: missing or invalid bearer token")
				writeAPIError(w, http.StatusUnauthorized, "missing or invalid bearer token", "invalid_request_error", "invalid_token")
				return
			}

			if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				log.Warn().
					Str("request_id", requestIDFromContext(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("token", maskToken(presented)).
					Msg("request rejected: wrong admin token")
				writeAPIError(w, http.StatusUnauthorized, "invalid admin token", "invalid_request_error", "invalid_token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func parseBearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

func accessLogEvent(path string, statusCode int) *zerolog.Event {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return log.Error()
	case statusCode >= http.StatusBadRequest:
		return log.Warn()
	case path == "/health":
		return log.Debug()
	default:
		return log.Info()
	}
}

func maskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, statusCode int, message, errType, code string) {
	writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}
