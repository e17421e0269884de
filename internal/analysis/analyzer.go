package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/internal/ai"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

const (
	analyzeTimeout     = 20 * time.Second
	analyzeTemperature = 0.3
	analyzeMaxTokens   = 500

	batchMaxItems  = 50
	batchItemBytes = 500
	batchMaxTokens = 2000

	// defaultConfidence marks results that did not come from the model.
	defaultConfidence = 0.3
)

// Requester is the gateway surface the engines depend on.
type Requester interface {
	Configured() bool
	MakeRequest(ctx context.Context, messages []models.Message, opts ai.RequestOptions) (string, error)
}

// FeedbackStore is the persistence the Analyzer needs for write-back.
type FeedbackStore interface {
	GetFeedback(ctx context.Context, tenantID, id uuid.UUID) (*models.FeedbackItem, error)
	UpdateFeedbackAnalysis(ctx context.Context, tenantID, id uuid.UUID, result *models.AnalysisResult) error
}

// DefaultAnalysis is returned whenever the model's reply cannot be used.
func DefaultAnalysis() *models.AnalysisResult {
	return &models.AnalysisResult{
		Sentiment:      models.SentimentNeutral,
		SentimentScore: 0,
		Priority:       models.PriorityMedium,
		Categories:     []string{models.DefaultCategory},
		Confidence:     defaultConfidence,
		Themes:         []string{},
	}
}

// Analyzer turns feedback text into structured sentiment, priority and categories.
type Analyzer struct {
	gw     Requester
	store  FeedbackStore
	logger *slog.Logger
}

// NewAnalyzer creates an Analyzer. st may be nil when AnalyzeAndStore is not used.
func NewAnalyzer(gw Requester, st FeedbackStore) *Analyzer {
	return &Analyzer{gw: gw, store: st, logger: slog.Default()}
}

type analysisReply struct {
	Sentiment      string   `json:"sentiment"       validate:"oneof=positive negative neutral"`
	SentimentScore *float64 `json:"sentiment_score" validate:"required"`
	Priority       string   `json:"priority"        validate:"oneof=low medium high urgent"`
	Categories     []string `json:"categories"      validate:"min=1,max=10,dive,required,max=64"`
	Confidence     *float64 `json:"confidence"      validate:"required"`
	Themes         []string `json:"themes"          validate:"max=10,dive,required,max=200"`
}

// parseAnalysis normalizes then validates the reply. Any failure rejects the reply
// as a whole.
func parseAnalysis(text string) (*models.AnalysisResult, error) {
	var r analysisReply
	if err := decodeStrict(text, &r); err != nil {
		return nil, err
	}
	r.Sentiment = strings.ToLower(strings.TrimSpace(r.Sentiment))
	r.Priority = strings.ToLower(strings.TrimSpace(r.Priority))
	r.Categories = dedupeLower(r.Categories)
	themes := make([]string, 0, len(r.Themes))
	for _, th := range r.Themes {
		if th = strings.TrimSpace(th); th != "" {
			themes = append(themes, th)
		}
	}
	r.Themes = themes

	if err := validateStruct(r); err != nil {
		return nil, err
	}

	return &models.AnalysisResult{
		Sentiment:      r.Sentiment,
		SentimentScore: clamp(*r.SentimentScore, -1, 1),
		Priority:       r.Priority,
		Categories:     r.Categories,
		Confidence:     clamp(*r.Confidence, 0, 1),
		Themes:         r.Themes,
	}, nil
}

// Analyze returns nil, nil when AI is not configured. A reply that cannot be
// parsed yields DefaultAnalysis; every other gateway error is returned.
func (a *Analyzer) Analyze(ctx context.Context, callerID, text, platform string) (*models.AnalysisResult, error) {
	if !a.gw.Configured() {
		return nil, nil
	}
	if strings.TrimSpace(text) == "" {
		return DefaultAnalysis(), nil
	}
	if platform == "" {
		platform = "unknown"
	}

	reply, err := a.gw.MakeRequest(ctx, []models.Message{
		{Role: models.RoleSystem, Content: analyzeSystemPrompt},
		{Role: models.RoleUser, Content: fmt.Sprintf(analyzeUserPrompt, platform, text)},
	}, ai.RequestOptions{
		CallerID:     callerID,
		Temperature:  analyzeTemperature,
		MaxTokens:    analyzeMaxTokens,
		Timeout:      analyzeTimeout,
		CacheEnabled: true,
		Validate: func(reply string) error {
			_, err := parseAnalysis(reply)
			return err
		},
	})
	if err != nil {
		if errors.Is(err, ai.ErrMalformedResponse) {
			a.logger.Warn("analysis reply unusable, using default", "caller_id", callerID, "error", err)
			return DefaultAnalysis(), nil
		}
		return nil, err
	}

	result, err := parseAnalysis(reply)
	if err != nil {
		a.logger.Warn("analysis reply rejected, using default", "caller_id", callerID, "error", err)
		return DefaultAnalysis(), nil
	}
	return result, nil
}

// AnalyzeAndStore analyzes one stored item and writes the result back.
func (a *Analyzer) AnalyzeAndStore(ctx context.Context, tenantID, feedbackID uuid.UUID) (*models.AnalysisResult, error) {
	if a.store == nil {
		return nil, errors.New("analyzer has no store")
	}
	item, err := a.store.GetFeedback(ctx, tenantID, feedbackID)
	if err != nil {
		return nil, fmt.Errorf("loading feedback: %w", err)
	}

	result, err := a.Analyze(ctx, tenantID.String(), item.Content, item.Platform)
	if err != nil || result == nil {
		return result, err
	}

	if err := a.store.UpdateFeedbackAnalysis(ctx, tenantID, feedbackID, result); err != nil {
		return nil, fmt.Errorf("storing analysis: %w", err)
	}
	return result, nil
}

type batchReply struct {
	Items []struct {
		Index      *int     `json:"index"      validate:"required,min=0"`
		Sentiment  string   `json:"sentiment"  validate:"oneof=positive negative neutral"`
		Priority   string   `json:"priority"   validate:"oneof=low medium high urgent"`
		Categories []string `json:"categories" validate:"min=1,max=10,dive,required,max=64"`
	} `json:"items" validate:"required,dive"`
	Insights []string `json:"insights" validate:"max=10,dive,required"`
}

func parseBatch(text string, n int) (*models.BatchInsights, error) {
	var r batchReply
	if err := decodeStrict(text, &r); err != nil {
		return nil, err
	}
	for i := range r.Items {
		r.Items[i].Sentiment = strings.ToLower(strings.TrimSpace(r.Items[i].Sentiment))
		r.Items[i].Priority = strings.ToLower(strings.TrimSpace(r.Items[i].Priority))
		r.Items[i].Categories = dedupeLower(r.Items[i].Categories)
	}
	if err := validateStruct(r); err != nil {
		return nil, err
	}
	if len(r.Items) != n {
		return nil, fmt.Errorf("reply covers %d items, expected %d", len(r.Items), n)
	}

	out := newBatchInsights(n)
	seen := make(map[int]bool, n)
	for _, it := range r.Items {
		if *it.Index >= n || seen[*it.Index] {
			return nil, fmt.Errorf("invalid or repeated item index %d", *it.Index)
		}
		seen[*it.Index] = true
		out.SentimentDistribution[it.Sentiment]++
		out.PriorityDistribution[it.Priority]++
		for _, c := range it.Categories {
			out.CategoryDistribution[c]++
		}
	}
	for _, ins := range r.Insights {
		if ins = strings.TrimSpace(ins); ins != "" {
			out.Insights = append(out.Insights, ins)
		}
	}
	return out, nil
}

func newBatchInsights(n int) *models.BatchInsights {
	return &models.BatchInsights{
		TotalItems:            n,
		SentimentDistribution: map[string]int{},
		PriorityDistribution:  map[string]int{},
		CategoryDistribution:  map[string]int{},
		Insights:              []string{},
	}
}

// DefaultBatchInsights counts every item as neutral, medium and general.
func DefaultBatchInsights(n int) *models.BatchInsights {
	out := newBatchInsights(n)
	if n > 0 {
		out.SentimentDistribution[models.SentimentNeutral] = n
		out.PriorityDistribution[models.PriorityMedium] = n
		out.CategoryDistribution[models.DefaultCategory] = n
		out.Insights = []string{"Automatic analysis was unavailable for this batch; review the items manually."}
	}
	out.Defaulted = true
	return out
}

// AnalyzeBatch summarizes up to 50 items in a single request. Items beyond the
// bound are ignored; callers pass the most recent first.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, callerID string, items []models.FeedbackItem) (*models.BatchInsights, error) {
	if !a.gw.Configured() {
		return nil, nil
	}
	if len(items) == 0 {
		return newBatchInsights(0), nil
	}
	if len(items) > batchMaxItems {
		items = items[:batchMaxItems]
	}

	var sb strings.Builder
	for i, it := range items {
		fmt.Fprintf(&sb, "[%d] (%s) %s\n", i, it.Platform, truncateString(it.Content, batchItemBytes))
	}

	reply, err := a.gw.MakeRequest(ctx, []models.Message{
		{Role: models.RoleSystem, Content: batchSystemPrompt},
		{Role: models.RoleUser, Content: sb.String()},
	}, ai.RequestOptions{
		CallerID:     callerID,
		Temperature:  analyzeTemperature,
		MaxTokens:    batchMaxTokens,
		Timeout:      analyzeTimeout,
		CacheEnabled: true,
		Validate: func(reply string) error {
			_, err := parseBatch(reply, len(items))
			return err
		},
	})
	if err != nil {
		if errors.Is(err, ai.ErrMalformedResponse) {
			a.logger.Warn("batch reply unusable, using default", "caller_id", callerID, "error", err)
			return DefaultBatchInsights(len(items)), nil
		}
		return nil, err
	}

	insights, err := parseBatch(reply, len(items))
	if err != nil {
		a.logger.Warn("batch reply rejected, using default", "caller_id", callerID, "items", len(items), "error", err)
		return DefaultBatchInsights(len(items)), nil
	}
	return insights, nil
}
