package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/internal/analysis"
	"github.com/kiranshivaraju/feedlens/internal/api/response"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

// statusInsufficient is reported when the tenant has too little feedback to cluster.
const statusInsufficient = "insufficient_feedback"

type ClusterReconciler interface {
	Reconcile(ctx context.Context, tenantID uuid.UUID) (*analysis.ReconcileResult, error)
	State(ctx context.Context, tenantID uuid.UUID) (analysis.State, error)
}

type ClusterDeleter interface {
	DeleteCluster(ctx context.Context, tenantID, id uuid.UUID) error
}

// AIStatus reports whether a provider is configured and which one.
type AIStatus interface {
	Configured() bool
	Provider() string
}

type listClustersResponse struct {
	Clusters  []*models.Cluster `json:"clusters"`
	Status    string            `json:"status"`
	ItemCount int               `json:"item_count"`
}

// NewListClustersHandler returns an http.HandlerFunc for GET /api/v1/clusters.
// Stale clusters are recomputed before they are returned.
func NewListClustersHandler(engine ClusterReconciler, status AIStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}
		if !status.Configured() {
			writeUnconfigured(w)
			return
		}

		res, err := engine.Reconcile(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if res == nil {
			response.JSON(w, listClustersResponse{Clusters: []*models.Cluster{}, Status: statusInsufficient})
			return
		}

		clusters := res.Clusters
		if clusters == nil {
			clusters = []*models.Cluster{}
		}
		response.JSON(w, listClustersResponse{
			Clusters:  clusters,
			Status:    string(res.Status),
			ItemCount: res.ItemCount,
		})
	}
}

// NewClusterStateHandler returns an http.HandlerFunc for GET /api/v1/clusters/state.
// It never triggers a recompute.
func NewClusterStateHandler(engine ClusterReconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}

		state, err := engine.State(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]string{"state": string(state)})
	}
}

// NewDeleteClusterHandler returns an http.HandlerFunc for DELETE /api/v1/clusters/{clusterID}.
func NewDeleteClusterHandler(st ClusterDeleter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "clusterID")
		if !ok {
			return
		}

		if err := st.DeleteCluster(r.Context(), tenantID, id); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
