package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/internal/ai"
	mw "github.com/kiranshivaraju/feedlens/internal/api/middleware"
	"github.com/kiranshivaraju/feedlens/internal/api/response"
	"github.com/kiranshivaraju/feedlens/internal/store"
)

// aiRetryAfter is advertised when the gateway quota is exhausted. The gateway
// does not report the window position, so clients are told to back off a minute.
const aiRetryAfter = time.Minute

// writeError maps store and gateway failures onto HTTP responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, ai.ErrUnconfigured):
		writeUnconfigured(w)
	case errors.Is(err, ai.ErrRateLimited):
		response.TooManyRequests(w, aiRetryAfter, "AI_RATE_LIMITED",
			"AI request quota exhausted, try again later")
	case errors.Is(err, ai.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "AI_TIMEOUT",
			"The AI provider took too long and the request was cancelled", nil)
	case errors.Is(err, ai.ErrUpstreamAuthFailed):
		slog.Error("ai provider rejected credentials", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusBadGateway, "AI_CREDENTIALS_REJECTED",
			"The AI provider rejected the configured API key; check the provider credentials in the server configuration",
			map[string]string{"kind": string(ai.KindUpstreamAuthFailed)})
	case errors.Is(err, ai.ErrConnectionFailed),
		errors.Is(err, ai.ErrUpstreamBadRequest),
		errors.Is(err, ai.ErrUpstreamServerError),
		errors.Is(err, ai.ErrMalformedResponse):
		slog.Warn("ai upstream failure", "path", r.URL.Path, "kind", string(ai.KindOf(err)), "error", err)
		response.Error(w, http.StatusBadGateway, "AI_UNAVAILABLE",
			"The AI provider is not available", map[string]string{"kind": string(ai.KindOf(err))})
	default:
		tenantID, _ := mw.GetTenantID(r)
		slog.Error("request failed", "path", r.URL.Path, "tenant_id", tenantID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func writeUnconfigured(w http.ResponseWriter) {
	response.Error(w, http.StatusServiceUnavailable, "AI_NOT_CONFIGURED",
		"No AI provider is configured", nil)
}

// tenantOrAbort returns the authenticated tenant, writing a 401 when auth did not run.
func tenantOrAbort(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return id, false
	}
	return id, true
}
