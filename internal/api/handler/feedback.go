package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/feedlens/internal/api/middleware"
	"github.com/kiranshivaraju/feedlens/internal/api/response"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

const (
	duplicateCandidates = 20
	defaultListLimit    = 20
	maxListLimit        = 100
	maxInsightItems     = 50
)

// FeedbackStore is the persistence the feedback endpoints need.
type FeedbackStore interface {
	CreateFeedback(ctx context.Context, item *models.FeedbackItem) error
	GetFeedback(ctx context.Context, tenantID, id uuid.UUID) (*models.FeedbackItem, error)
	ListFeedback(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.FeedbackItem, error)
	CountFeedback(ctx context.Context, tenantID uuid.UUID) (int, error)
	DeleteFeedback(ctx context.Context, tenantID, id uuid.UUID) error
}

type DuplicateChecker interface {
	Check(ctx context.Context, callerID, text string, recent []models.FeedbackItem) models.DuplicateResult
}

type FeedbackAnalyzer interface {
	AnalyzeAndStore(ctx context.Context, tenantID, feedbackID uuid.UUID) (*models.AnalysisResult, error)
	AnalyzeBatch(ctx context.Context, callerID string, items []models.FeedbackItem) (*models.BatchInsights, error)
}

type createFeedbackRequest struct {
	Content  string            `json:"content"  validate:"required,max=10000"`
	Platform string            `json:"platform" validate:"max=64"`
	Metadata map[string]string `json:"metadata" validate:"max=32"`
}

type createFeedbackResponse struct {
	Feedback  *models.FeedbackItem   `json:"feedback"`
	Duplicate models.DuplicateResult `json:"duplicate"`
}

// NewCreateFeedbackHandler returns an http.HandlerFunc for POST /api/v1/feedback.
// The duplicate check is advisory: the item is stored whatever it reports.
func NewCreateFeedbackHandler(st FeedbackStore, dup DuplicateChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}

		var req createFeedbackRequest
		if !decodeBody(w, r, &req, false) {
			return
		}

		callerID := callerOf(r, tenantID)
		var recent []models.FeedbackItem
		items, err := st.ListFeedback(r.Context(), tenantID, duplicateCandidates)
		if err != nil {
			slog.Warn("loading duplicate candidates failed", "tenant_id", tenantID, "error", err)
		} else {
			recent = values(items)
		}
		dupResult := dup.Check(r.Context(), callerID, req.Content, recent)

		item := &models.FeedbackItem{
			TenantID: tenantID,
			Content:  req.Content,
			Platform: req.Platform,
			Metadata: req.Metadata,
		}
		if err := st.CreateFeedback(r.Context(), item); err != nil {
			writeError(w, r, err)
			return
		}

		response.Created(w, createFeedbackResponse{Feedback: item, Duplicate: dupResult})
	}
}

// NewListFeedbackHandler returns an http.HandlerFunc for GET /api/v1/feedback.
func NewListFeedbackHandler(st FeedbackStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}

		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxListLimit {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
					"limit must be between 1 and "+strconv.Itoa(maxListLimit), nil)
				return
			}
			limit = n
		}

		total, err := st.CountFeedback(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		items, err := st.ListFeedback(r.Context(), tenantID, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Collection(w, items, response.PaginationMeta{
			Page:    1,
			Limit:   limit,
			Total:   total,
			HasNext: total > len(items),
		})
	}
}

// NewGetFeedbackHandler returns an http.HandlerFunc for GET /api/v1/feedback/{feedbackID}.
func NewGetFeedbackHandler(st FeedbackStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "feedbackID")
		if !ok {
			return
		}

		item, err := st.GetFeedback(r.Context(), tenantID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, item)
	}
}

// NewDeleteFeedbackHandler returns an http.HandlerFunc for DELETE /api/v1/feedback/{feedbackID}.
func NewDeleteFeedbackHandler(st FeedbackStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "feedbackID")
		if !ok {
			return
		}

		if err := st.DeleteFeedback(r.Context(), tenantID, id); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewAnalyzeFeedbackHandler returns an http.HandlerFunc for
// POST /api/v1/feedback/{feedbackID}/analyze.
func NewAnalyzeFeedbackHandler(an FeedbackAnalyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "feedbackID")
		if !ok {
			return
		}

		result, err := an.AnalyzeAndStore(r.Context(), tenantID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if result == nil {
			writeUnconfigured(w)
			return
		}
		response.JSON(w, result)
	}
}

type insightsRequest struct {
	Limit int `json:"limit" validate:"min=0,max=50"`
}

// NewInsightsHandler returns an http.HandlerFunc for POST /api/v1/feedback/insights.
// It summarizes the tenant's most recent items; the body is optional.
func NewInsightsHandler(st FeedbackStore, an FeedbackAnalyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}

		var req insightsRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		limit := req.Limit
		if limit == 0 {
			limit = maxInsightItems
		}

		items, err := st.ListFeedback(r.Context(), tenantID, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		insights, err := an.AnalyzeBatch(r.Context(), callerOf(r, tenantID), values(items))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if insights == nil {
			writeUnconfigured(w)
			return
		}
		response.JSON(w, insights)
	}
}

// callerOf returns the identity AI quota is charged to: the API key when auth set
// one, the tenant otherwise.
func callerOf(r *http.Request, tenantID uuid.UUID) string {
	if id, ok := mw.GetCallerID(r); ok {
		return id
	}
	return tenantID.String()
}

func values(items []*models.FeedbackItem) []models.FeedbackItem {
	out := make([]models.FeedbackItem, 0, len(items))
	for _, it := range items {
		out = append(out, *it)
	}
	return out
}
