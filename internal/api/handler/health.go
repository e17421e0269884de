package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/feedlens/internal/api/response"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// cache may be nil when responses are cached in process.
func NewHealthHandler(db Pinger, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok", "cache": "ok"}
		degraded := false

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
			degraded = true
		}
		if cache != nil {
			if err := cache.Ping(r.Context()); err != nil {
				checks["cache"] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "One or more services degraded", checks)
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

type aiStatusResponse struct {
	Configured bool   `json:"configured"`
	Provider   string `json:"provider"`
}

// NewAIStatusHandler returns an http.HandlerFunc for GET /api/v1/ai/status.
func NewAIStatusHandler(status AIStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, aiStatusResponse{
			Configured: status.Configured(),
			Provider:   status.Provider(),
		})
	}
}
