package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Cluster is a named group of feedback items sharing a common theme.
// A zero ID means the cluster has not been persisted yet. Position is assigned
// by the store on insert and never changes; listings are ordered by it.
type Cluster struct {
	ID              uuid.UUID   `db:"id"                json:"id"`
	TenantID        uuid.UUID   `db:"tenant_id"         json:"tenant_id"`
	Position        int         `db:"position"          json:"position"`
	Theme           string      `db:"theme"             json:"theme"`
	Severity        string      `db:"severity"          json:"severity"`
	MemberIDs       []uuid.UUID `db:"member_ids"        json:"member_ids"`
	SourceItemCount int         `db:"source_item_count" json:"source_item_count"`
	CreatedAt       time.Time   `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at"        json:"updated_at"`
}

// ClusterRun records the corpus size a tenant's clusters were last computed from.
// Staleness is judged against it, not against individual rows, because orphaned
// rows keep the count of the run that last touched them.
type ClusterRun struct {
	TenantID  uuid.UUID `db:"tenant_id"  json:"tenant_id"`
	ItemCount int       `db:"item_count" json:"item_count"`
	RanAt     time.Time `db:"ran_at"     json:"ran_at"`
}

// ClusterChanges is everything one successful recompute writes. Stores apply
// it all or not at all.
type ClusterChanges struct {
	Updates []*Cluster
	// Creates are inserted in order and receive increasing positions.
	Creates []*Cluster
	Run     ClusterRun
}
