package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Feedback ---

const feedbackColumns = `id, tenant_id, content, platform, metadata, analysis, created_at`

// CreateFeedback inserts item, assigning an ID and creation time when they are unset.
func (s *PostgresStore) CreateFeedback(ctx context.Context, item *models.FeedbackItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	metadata, err := marshalMetadata(item.Metadata)
	if err != nil {
		return err
	}
	analysis, err := marshalAnalysis(item.Analysis)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO feedback_items (`+feedbackColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.TenantID, item.Content, item.Platform, metadata, analysis, item.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFeedback(ctx context.Context, tenantID, id uuid.UUID) (*models.FeedbackItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_items WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	item, err := scanFeedback(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListFeedback(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.FeedbackItem, error) {
	if limit <= 0 {
		return []*models.FeedbackItem{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_items
		 WHERE tenant_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	items := []*models.FeedbackItem{}
	for rows.Next() {
		item, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountFeedback(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback_items WHERE tenant_id = $1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count feedback: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteFeedback(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM feedback_items WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFeedbackAnalysis replaces the analysis of one item. It is the only field the
// analysis engine writes back.
func (s *PostgresStore) UpdateFeedbackAnalysis(ctx context.Context, tenantID, id uuid.UUID, result *models.AnalysisResult) error {
	analysis, err := marshalAnalysis(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE feedback_items SET analysis = $3 WHERE id = $1 AND tenant_id = $2`, id, tenantID, analysis)
	if err != nil {
		return fmt.Errorf("update feedback analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Clusters ---

const clusterColumns = `id, tenant_id, position, theme, severity, member_ids, source_item_count, created_at, updated_at`

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ListClusters returns the tenant's clusters by position, which is insertion order.
func (s *PostgresStore) ListClusters(ctx context.Context, tenantID uuid.UUID) ([]*models.Cluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE tenant_id = $1 ORDER BY position, created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	clusters := []*models.Cluster{}
	for rows.Next() {
		var c models.Cluster
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Position, &c.Theme, &c.Severity, &c.MemberIDs,
			&c.SourceItemCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, &c)
	}
	return clusters, rows.Err()
}

// InsertCluster persists a new cluster after the tenant's last one, assigning an
// ID and timestamps when they are unset.
func (s *PostgresStore) InsertCluster(ctx context.Context, cluster *models.Cluster) error {
	return insertCluster(ctx, s.pool, cluster)
}

// UpdateCluster overwrites the mutable fields of an existing cluster. CreatedAt
// and Position are never changed.
func (s *PostgresStore) UpdateCluster(ctx context.Context, cluster *models.Cluster) error {
	return updateCluster(ctx, s.pool, cluster)
}

// ApplyClusterChanges writes one recompute in a single transaction: updates,
// then inserts, then the run record. Nothing is written if any step fails.
func (s *PostgresStore) ApplyClusterChanges(ctx context.Context, changes *models.ClusterChanges) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, c := range changes.Updates {
			if err := updateCluster(ctx, tx, c); err != nil {
				return err
			}
		}
		for _, c := range changes.Creates {
			if err := insertCluster(ctx, tx, c); err != nil {
				return err
			}
		}
		run := changes.Run
		if run.RanAt.IsZero() {
			run.RanAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO cluster_runs (tenant_id, item_count, ran_at) VALUES ($1, $2, $3)
			 ON CONFLICT (tenant_id) DO UPDATE SET item_count = EXCLUDED.item_count, ran_at = EXCLUDED.ran_at`,
			run.TenantID, run.ItemCount, run.RanAt); err != nil {
			return fmt.Errorf("record cluster run: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply cluster changes: %w", err)
	}
	return nil
}

// LastClusterRun returns the tenant's most recent recompute, or nil if there
// has never been one.
func (s *PostgresStore) LastClusterRun(ctx context.Context, tenantID uuid.UUID) (*models.ClusterRun, error) {
	var run models.ClusterRun
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, item_count, ran_at FROM cluster_runs WHERE tenant_id = $1`, tenantID,
	).Scan(&run.TenantID, &run.ItemCount, &run.RanAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster run: %w", err)
	}
	return &run, nil
}

func insertCluster(ctx context.Context, q dbtx, cluster *models.Cluster) error {
	if cluster.ID == uuid.Nil {
		cluster.ID = uuid.New()
	}
	now := time.Now().UTC()
	if cluster.CreatedAt.IsZero() {
		cluster.CreatedAt = now
	}
	if cluster.UpdatedAt.IsZero() {
		cluster.UpdatedAt = cluster.CreatedAt
	}
	if cluster.MemberIDs == nil {
		cluster.MemberIDs = []uuid.UUID{}
	}

	err := q.QueryRow(ctx,
		`INSERT INTO clusters (`+clusterColumns+`)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(position) + 1, 0) FROM clusters WHERE tenant_id = $2),
		         $3, $4, $5, $6, $7, $8)
		 RETURNING position`,
		cluster.ID, cluster.TenantID, cluster.Theme, cluster.Severity, cluster.MemberIDs,
		cluster.SourceItemCount, cluster.CreatedAt, cluster.UpdatedAt,
	).Scan(&cluster.Position)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert cluster: %w", err)
	}
	return nil
}

func updateCluster(ctx context.Context, q dbtx, cluster *models.Cluster) error {
	if cluster.UpdatedAt.IsZero() {
		cluster.UpdatedAt = time.Now().UTC()
	}
	members := cluster.MemberIDs
	if members == nil {
		members = []uuid.UUID{}
	}
	tag, err := q.Exec(ctx,
		`UPDATE clusters SET theme = $3, severity = $4, member_ids = $5, source_item_count = $6, updated_at = $7
		 WHERE id = $1 AND tenant_id = $2`,
		cluster.ID, cluster.TenantID, cluster.Theme, cluster.Severity, members,
		cluster.SourceItemCount, cluster.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update cluster: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteCluster(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM clusters WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func scanFeedback(row pgx.Row) (*models.FeedbackItem, error) {
	var (
		item     models.FeedbackItem
		metadata []byte
		analysis []byte
	)
	if err := row.Scan(&item.ID, &item.TenantID, &item.Content, &item.Platform,
		&metadata, &analysis, &item.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if len(item.Metadata) == 0 {
			item.Metadata = nil
		}
	}
	if len(analysis) > 0 {
		var a models.AnalysisResult
		if err := json.Unmarshal(analysis, &a); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
		item.Analysis = &a
	}
	return &item, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

// marshalAnalysis returns nil for a nil result so the column is written as NULL.
func marshalAnalysis(a *models.AnalysisResult) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode analysis: %w", err)
	}
	return b, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
