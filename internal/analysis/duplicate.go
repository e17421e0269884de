package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/internal/ai"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

const (
	duplicateMaxCandidates = 20
	duplicateItemBytes     = 500
	duplicateTemperature   = 0.1
	duplicateTimeout       = 20 * time.Second
	duplicateMaxTokens     = 300
)

// DuplicateDetector flags new feedback that repeats a recent item. Its verdict is
// advisory and it never fails: any problem yields "not a duplicate".
type DuplicateDetector struct {
	gw     Requester
	logger *slog.Logger
}

func NewDuplicateDetector(gw Requester) *DuplicateDetector {
	return &DuplicateDetector{gw: gw, logger: slog.Default()}
}

func notDuplicate() models.DuplicateResult {
	return models.DuplicateResult{SuggestedAction: models.ActionKeepSeparate}
}

type duplicateReply struct {
	IsDuplicate     *bool    `json:"is_duplicate"     validate:"required"`
	SimilarityScore *float64 `json:"similarity_score" validate:"required"`
	MostSimilarID   string   `json:"most_similar_id"`
	SuggestedAction string   `json:"suggested_action" validate:"oneof=merge keep_separate flag_for_review"`
}

func parseDuplicate(text string, candidates map[uuid.UUID]bool) (models.DuplicateResult, error) {
	var r duplicateReply
	if err := decodeStrict(text, &r); err != nil {
		return models.DuplicateResult{}, err
	}
	r.SuggestedAction = strings.ToLower(strings.TrimSpace(r.SuggestedAction))
	if err := validateStruct(r); err != nil {
		return models.DuplicateResult{}, err
	}

	res := models.DuplicateResult{
		IsDuplicate:     *r.IsDuplicate,
		SimilarityScore: clamp(*r.SimilarityScore, 0, 1),
		SuggestedAction: r.SuggestedAction,
	}
	// Ids outside the candidate set are discarded rather than trusted.
	if id, err := uuid.Parse(strings.TrimSpace(r.MostSimilarID)); err == nil && candidates[id] {
		res.MostSimilarID = &id
	}
	return res, nil
}

// Check compares text against the 20 most recent items in recent.
func (d *DuplicateDetector) Check(ctx context.Context, callerID, text string, recent []models.FeedbackItem) models.DuplicateResult {
	if !d.gw.Configured() || len(recent) == 0 || strings.TrimSpace(text) == "" {
		return notDuplicate()
	}

	candidates := make([]models.FeedbackItem, len(recent))
	copy(candidates, recent)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	if len(candidates) > duplicateMaxCandidates {
		candidates = candidates[:duplicateMaxCandidates]
	}

	ids := make(map[uuid.UUID]bool, len(candidates))
	var sb strings.Builder
	for _, c := range candidates {
		ids[c.ID] = true
		fmt.Fprintf(&sb, "[%s] %s\n", c.ID, truncateString(c.Content, duplicateItemBytes))
	}

	reply, err := d.gw.MakeRequest(ctx, []models.Message{
		{Role: models.RoleSystem, Content: duplicateSystemPrompt},
		{Role: models.RoleUser, Content: fmt.Sprintf(duplicateUserPrompt, truncateString(text, duplicateItemBytes), sb.String())},
	}, ai.RequestOptions{
		CallerID:     callerID,
		Temperature:  duplicateTemperature,
		MaxTokens:    duplicateMaxTokens,
		Timeout:      duplicateTimeout,
		CacheEnabled: true,
		Validate: func(reply string) error {
			_, err := parseDuplicate(reply, ids)
			return err
		},
	})
	if err != nil {
		d.logger.Warn("duplicate check skipped", "caller_id", callerID, "kind", string(ai.KindOf(err)), "error", err)
		return notDuplicate()
	}

	res, err := parseDuplicate(reply, ids)
	if err != nil {
		d.logger.Warn("duplicate reply rejected", "caller_id", callerID, "error", err)
		return notDuplicate()
	}
	return res
}
