package models

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackItem is a single piece of user feedback collected from any platform.
// The core only writes back the Analysis field.
type FeedbackItem struct {
	ID        uuid.UUID         `db:"id"         json:"id"`
	TenantID  uuid.UUID         `db:"tenant_id"  json:"tenant_id"`
	Content   string            `db:"content"    json:"content"`
	Platform  string            `db:"platform"   json:"platform"`
	Metadata  map[string]string `db:"metadata"   json:"metadata,omitempty"`
	Analysis  *AnalysisResult   `db:"analysis"   json:"analysis,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}
