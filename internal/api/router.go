package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/feedlens/internal/api/middleware"
	"github.com/kiranshivaraju/feedlens/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	// Metrics serves the Prometheus exposition. Nil leaves /metrics unrouted.
	Metrics http.Handler

	HealthHandler   http.HandlerFunc
	AIStatusHandler http.HandlerFunc

	CreateFeedback  http.HandlerFunc
	ListFeedback    http.HandlerFunc
	GetFeedback     http.HandlerFunc
	DeleteFeedback  http.HandlerFunc
	AnalyzeFeedback http.HandlerFunc
	Insights        http.HandlerFunc

	ListClusters  http.HandlerFunc
	ClusterState  http.HandlerFunc
	DeleteCluster http.HandlerFunc

	GenerateSpec http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/ai/status", orNotImplemented(deps.AIStatusHandler))

		r.Get("/api/v1/feedback", orNotImplemented(deps.ListFeedback))
		r.Get("/api/v1/feedback/{feedbackID}", orNotImplemented(deps.GetFeedback))
		r.Get("/api/v1/clusters/state", orNotImplemented(deps.ClusterState))

		// Write routes. Listing clusters may recompute them, which spends AI
		// quota and writes rows.
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("write"))

			r.Get("/api/v1/clusters", orNotImplemented(deps.ListClusters))

			r.Post("/api/v1/feedback", orNotImplemented(deps.CreateFeedback))
			r.Post("/api/v1/feedback/insights", orNotImplemented(deps.Insights))
			r.Post("/api/v1/feedback/{feedbackID}/analyze", orNotImplemented(deps.AnalyzeFeedback))
			r.Delete("/api/v1/feedback/{feedbackID}", orNotImplemented(deps.DeleteFeedback))
			r.Delete("/api/v1/clusters/{clusterID}", orNotImplemented(deps.DeleteCluster))
			r.Post("/api/v1/specs", orNotImplemented(deps.GenerateSpec))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
