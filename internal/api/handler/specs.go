package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/feedlens/internal/api/response"
)

type SpecGenerator interface {
	FromCluster(ctx context.Context, callerID, theme string, feedback []string) (string, error)
	FromIssue(ctx context.Context, callerID, issueType, description, priority string) (string, error)
}

// specRequest takes either a cluster theme with its feedback, or a single issue.
type specRequest struct {
	Theme       string   `json:"theme"       validate:"required_without=IssueType,max=200"`
	Feedback    []string `json:"feedback"    validate:"max=100"`
	IssueType   string   `json:"issue_type"  validate:"required_without=Theme,max=64"`
	Description string   `json:"description" validate:"required_with=IssueType,max=10000"`
	Priority    string   `json:"priority"    validate:"omitempty,oneof=low medium high urgent"`
}

// NewSpecHandler returns an http.HandlerFunc for POST /api/v1/specs.
func NewSpecHandler(gen SpecGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantOrAbort(w, r)
		if !ok {
			return
		}

		var req specRequest
		if !decodeBody(w, r, &req, false) {
			return
		}

		callerID := callerOf(r, tenantID)
		var (
			doc string
			err error
		)
		if req.Theme != "" {
			doc, err = gen.FromCluster(r.Context(), callerID, req.Theme, req.Feedback)
		} else {
			doc, err = gen.FromIssue(r.Context(), callerID, req.IssueType, req.Description, req.Priority)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		if doc == "" {
			writeUnconfigured(w)
			return
		}
		response.JSON(w, map[string]string{"spec": doc})
	}
}
