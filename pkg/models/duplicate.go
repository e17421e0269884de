package models

import "github.com/google/uuid"

const (
	ActionMerge         = "merge"
	ActionKeepSeparate  = "keep_separate"
	ActionFlagForReview = "flag_for_review"
)

// DuplicateResult is advisory metadata about a new feedback text. It never blocks a write.
type DuplicateResult struct {
	IsDuplicate     bool       `json:"is_duplicate"`
	SimilarityScore float64    `json:"similarity_score"`
	MostSimilarID   *uuid.UUID `json:"most_similar_id,omitempty"`
	SuggestedAction string     `json:"suggested_action"`
}
