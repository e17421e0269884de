package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist or belongs to another tenant.
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
)

// KeyStore holds tenants and the API keys that authenticate them.
type KeyStore interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// FeedbackStore holds feedback items and their analysis write-back.
type FeedbackStore interface {
	CreateFeedback(ctx context.Context, item *models.FeedbackItem) error
	GetFeedback(ctx context.Context, tenantID, id uuid.UUID) (*models.FeedbackItem, error)
	// ListFeedback returns at most limit items, most recent first.
	ListFeedback(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.FeedbackItem, error)
	CountFeedback(ctx context.Context, tenantID uuid.UUID) (int, error)
	DeleteFeedback(ctx context.Context, tenantID, id uuid.UUID) error
	UpdateFeedbackAnalysis(ctx context.Context, tenantID, id uuid.UUID, result *models.AnalysisResult) error
}

// ClusterStore holds the persisted cluster set of each tenant.
type ClusterStore interface {
	// ListClusters returns clusters by position. Positional matching relies on it.
	ListClusters(ctx context.Context, tenantID uuid.UUID) ([]*models.Cluster, error)
	InsertCluster(ctx context.Context, cluster *models.Cluster) error
	UpdateCluster(ctx context.Context, cluster *models.Cluster) error
	DeleteCluster(ctx context.Context, tenantID, id uuid.UUID) error
	// ApplyClusterChanges writes a recompute atomically.
	ApplyClusterChanges(ctx context.Context, changes *models.ClusterChanges) error
	// LastClusterRun returns nil when the tenant has never been clustered.
	LastClusterRun(ctx context.Context, tenantID uuid.UUID) (*models.ClusterRun, error)
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	KeyStore
	FeedbackStore
	ClusterStore
}

var _ Store = (*PostgresStore)(nil)
