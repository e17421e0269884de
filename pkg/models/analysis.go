package models

const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// DefaultCategory is assigned when no category could be determined.
const DefaultCategory = "general"

// AnalysisResult is the structured interpretation of one feedback text.
// Confidence is always within [0, 1] and SentimentScore within [-1, 1].
type AnalysisResult struct {
	Sentiment      string   `json:"sentiment"`
	SentimentScore float64  `json:"sentiment_score"`
	Priority       string   `json:"priority"`
	Categories     []string `json:"categories"`
	Confidence     float64  `json:"confidence"`
	Themes         []string `json:"themes"`
}

// BatchInsights aggregates sentiment, priority and category distributions over a batch.
type BatchInsights struct {
	TotalItems            int            `json:"total_items"`
	SentimentDistribution map[string]int `json:"sentiment_distribution"`
	PriorityDistribution  map[string]int `json:"priority_distribution"`
	CategoryDistribution  map[string]int `json:"category_distribution"`
	Insights              []string       `json:"insights"`
	// Defaulted is set when the upstream reply could not be used and the
	// distributions were filled deterministically.
	Defaulted bool `json:"defaulted"`
}
