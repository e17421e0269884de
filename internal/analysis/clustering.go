package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/internal/ai"
	"github.com/kiranshivaraju/feedlens/internal/metrics"
	"github.com/kiranshivaraju/feedlens/pkg/models"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultClusterTimeout    = 30 * time.Second
	DefaultClusterStaleAfter = 24 * time.Hour
	DefaultClusterMaxItems   = 200

	clusterItemBytes   = 300
	clusterMaxTokens   = 3000
	clusterTemperature = 0.2
	clusterMaxThemeLen = 200
)

// Status reports how a Reconcile call produced its clusters.
type Status string

const (
	StatusFresh      Status = "fresh"
	StatusRecomputed Status = "recomputed"
	StatusFallback   Status = "fallback"
)

// State is the per-tenant clustering lifecycle.
type State string

const (
	StateNoClusters  State = "no_clusters"
	StateFresh       State = "fresh"
	StateStale       State = "stale"
	StateRecomputing State = "recomputing"
)

// ClusterStore is the persistence the ClusteringEngine reads and writes.
type ClusterStore interface {
	CountFeedback(ctx context.Context, tenantID uuid.UUID) (int, error)
	ListFeedback(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.FeedbackItem, error)
	ListClusters(ctx context.Context, tenantID uuid.UUID) ([]*models.Cluster, error)
	LastClusterRun(ctx context.Context, tenantID uuid.UUID) (*models.ClusterRun, error)
	ApplyClusterChanges(ctx context.Context, changes *models.ClusterChanges) error
}

// ReconcileResult is the tenant's cluster set after a Reconcile call.
type ReconcileResult struct {
	Clusters  []*models.Cluster `json:"clusters"`
	Status    Status            `json:"status"`
	ItemCount int               `json:"item_count"`
}

type ClusteringOptions struct {
	Matcher    Matcher
	Timeout    time.Duration
	StaleAfter time.Duration
	MaxItems   int
	Logger     *slog.Logger
}

// ClusteringEngine keeps each tenant's persisted clusters in step with its feedback.
type ClusteringEngine struct {
	gw         Requester
	store      ClusterStore
	matcher    Matcher
	timeout    time.Duration
	staleAfter time.Duration
	maxItems   int
	logger     *slog.Logger
	now        func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	inflight map[uuid.UUID]bool
}

func NewClusteringEngine(gw Requester, st ClusterStore, opts ClusteringOptions) *ClusteringEngine {
	e := &ClusteringEngine{
		gw:         gw,
		store:      st,
		matcher:    opts.Matcher,
		timeout:    opts.Timeout,
		staleAfter: opts.StaleAfter,
		maxItems:   opts.MaxItems,
		logger:     slog.Default(),
		now:        time.Now,
		inflight:   make(map[uuid.UUID]bool),
	}
	if e.matcher == nil {
		e.matcher = ThemeMatcher{Threshold: DefaultThemeThreshold}
	}
	if e.timeout <= 0 {
		e.timeout = DefaultClusterTimeout
	}
	if e.staleAfter <= 0 {
		e.staleAfter = DefaultClusterStaleAfter
	}
	if e.maxItems <= 0 {
		e.maxItems = DefaultClusterMaxItems
	}
	if opts.Logger != nil {
		e.logger = opts.Logger
	}
	return e
}

// WithClock replaces the time source. Intended for tests.
func (e *ClusteringEngine) WithClock(now func() time.Time) *ClusteringEngine {
	e.now = now
	return e
}

// Reconcile returns the tenant's clusters, recomputing them first when stale.
// It returns nil, nil when AI is not configured or the tenant has fewer than two
// items. Recompute failures fall back to the persisted clusters; only failures to
// read the store are returned.
func (e *ClusteringEngine) Reconcile(ctx context.Context, tenantID uuid.UUID) (*ReconcileResult, error) {
	if !e.gw.Configured() {
		return nil, nil
	}

	count, err := e.store.CountFeedback(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("counting feedback: %w", err)
	}
	if count < 2 {
		return nil, nil
	}

	existing, err := e.store.ListClusters(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	run, err := e.store.LastClusterRun(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reading last cluster run: %w", err)
	}

	if !e.isStale(run, existing, count) {
		metrics.ObserveReconcile(string(StatusFresh))
		return &ReconcileResult{Clusters: existing, Status: StatusFresh, ItemCount: count}, nil
	}

	v, err, _ := e.group.Do(tenantID.String(), func() (any, error) {
		e.setInflight(tenantID, true)
		defer e.setInflight(tenantID, false)
		return e.recompute(ctx, tenantID, count, existing)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*ReconcileResult)
	metrics.ObserveReconcile(string(res.Status))
	return res, nil
}

// State reports the tenant's lifecycle state without triggering a recompute.
func (e *ClusteringEngine) State(ctx context.Context, tenantID uuid.UUID) (State, error) {
	e.mu.Lock()
	running := e.inflight[tenantID]
	e.mu.Unlock()
	if running {
		return StateRecomputing, nil
	}

	count, err := e.store.CountFeedback(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("counting feedback: %w", err)
	}
	existing, err := e.store.ListClusters(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("listing clusters: %w", err)
	}
	if len(existing) == 0 {
		return StateNoClusters, nil
	}
	run, err := e.store.LastClusterRun(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("reading last cluster run: %w", err)
	}
	if e.isStale(run, existing, count) {
		return StateStale, nil
	}
	return StateFresh, nil
}

func (e *ClusteringEngine) setInflight(tenantID uuid.UUID, v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v {
		e.inflight[tenantID] = true
	} else {
		delete(e.inflight, tenantID)
	}
}

// isStale compares the current item count with the count recorded by the last
// run. Growth always triggers a recompute; any other change does once the last
// run is older than staleAfter. Clusters without a run record are stale.
func (e *ClusteringEngine) isStale(run *models.ClusterRun, existing []*models.Cluster, current int) bool {
	if len(existing) == 0 || run == nil {
		return true
	}
	if current-run.ItemCount >= 1 {
		return true
	}
	return e.now().Sub(run.RanAt) > e.staleAfter && current != run.ItemCount
}

func (e *ClusteringEngine) recompute(ctx context.Context, tenantID uuid.UUID, count int, existing []*models.Cluster) (*ReconcileResult, error) {
	log := e.logger.With("tenant_id", tenantID.String())

	items, err := e.store.ListFeedback(ctx, tenantID, e.maxItems)
	if err != nil {
		return nil, fmt.Errorf("listing feedback: %w", err)
	}
	if count > len(items) {
		log.Warn("clustering only the most recent feedback",
			"items", count,
			"clustered", len(items),
			"max_items", e.maxItems,
		)
	}

	fresh, err := e.requestClusters(ctx, tenantID, items)
	if err != nil {
		return e.fallback(log, existing, count, "grouping failed", err), nil
	}

	diff := e.matcher.Match(existing, fresh)
	now := e.now().UTC()
	byID := make(map[uuid.UUID]*models.Cluster, len(existing))
	for _, c := range existing {
		byID[c.ID] = c
	}

	changes := &models.ClusterChanges{
		Run: models.ClusterRun{TenantID: tenantID, ItemCount: count, RanAt: now},
	}
	updated := make(map[uuid.UUID]*models.Cluster, len(diff.Updates))
	for _, u := range diff.Updates {
		old, ok := byID[u.OldID]
		if !ok {
			continue
		}
		c := *old
		c.Theme = u.Cluster.Theme
		c.Severity = u.Cluster.Severity
		c.MemberIDs = u.Cluster.MemberIDs
		c.SourceItemCount = count
		c.UpdatedAt = now
		changes.Updates = append(changes.Updates, &c)
		updated[c.ID] = &c
	}
	for _, nc := range diff.Creates {
		c := nc
		c.ID = uuid.Nil
		c.TenantID = tenantID
		c.SourceItemCount = count
		c.CreatedAt = now
		c.UpdatedAt = now
		changes.Creates = append(changes.Creates, &c)
	}

	if err := e.store.ApplyClusterChanges(ctx, changes); err != nil {
		return e.fallback(log, existing, count, "writing clusters", err), nil
	}

	// Persisted order is kept; orphans stay as they were.
	result := make([]*models.Cluster, 0, len(existing)+len(changes.Creates))
	for _, c := range existing {
		if u, ok := updated[c.ID]; ok {
			result = append(result, u)
		} else {
			result = append(result, c)
		}
	}
	result = append(result, changes.Creates...)

	log.Info("clusters recomputed",
		"items", count,
		"updated", len(changes.Updates),
		"created", len(changes.Creates),
		"orphaned", len(diff.Orphans),
	)
	return &ReconcileResult{Clusters: result, Status: StatusRecomputed, ItemCount: count}, nil
}

func (e *ClusteringEngine) fallback(log *slog.Logger, existing []*models.Cluster, count int, msg string, err error) *ReconcileResult {
	log.Warn("cluster recompute failed, serving persisted clusters",
		"reason", msg,
		"kind", string(ai.KindOf(err)),
		"persisted", len(existing),
		"error", err,
	)
	if existing == nil {
		existing = []*models.Cluster{}
	}
	return &ReconcileResult{Clusters: existing, Status: StatusFallback, ItemCount: count}
}

// requestClusters asks the model to group items and returns the usable clusters.
func (e *ClusteringEngine) requestClusters(ctx context.Context, tenantID uuid.UUID, items []*models.FeedbackItem) ([]models.Cluster, error) {
	known := make(map[uuid.UUID]bool, len(items))
	var sb strings.Builder
	for _, it := range items {
		known[it.ID] = true
		fmt.Fprintf(&sb, "[%s] %s\n", it.ID, truncateString(it.Content, clusterItemBytes))
	}

	reply, err := e.gw.MakeRequest(ctx, []models.Message{
		{Role: models.RoleSystem, Content: clusterSystemPrompt},
		{Role: models.RoleUser, Content: sb.String()},
	}, ai.RequestOptions{
		CallerID:    tenantID.String(),
		Temperature: clusterTemperature,
		MaxTokens:   clusterMaxTokens,
		Timeout:     e.timeout,
	})
	if err != nil {
		return nil, err
	}
	return parseClusters(reply, known)
}

type clusterReply struct {
	Clusters []struct {
		Theme     string   `json:"theme"      validate:"required"`
		Severity  string   `json:"severity"   validate:"oneof=low medium high critical"`
		MemberIDs []string `json:"member_ids" validate:"required"`
	} `json:"clusters" validate:"required,dive"`
}

// parseClusters keeps only member ids present in known and drops clusters left
// without members. A reply with no usable cluster is an error.
func parseClusters(text string, known map[uuid.UUID]bool) ([]models.Cluster, error) {
	var r clusterReply
	if err := decodeStrict(text, &r); err != nil {
		return nil, err
	}
	for i := range r.Clusters {
		r.Clusters[i].Theme = strings.TrimSpace(r.Clusters[i].Theme)
		r.Clusters[i].Severity = strings.ToLower(strings.TrimSpace(r.Clusters[i].Severity))
	}
	if err := validateStruct(r); err != nil {
		return nil, err
	}

	assigned := make(map[uuid.UUID]bool)
	out := make([]models.Cluster, 0, len(r.Clusters))
	for _, rc := range r.Clusters {
		var members []uuid.UUID
		for _, raw := range rc.MemberIDs {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil || !known[id] || assigned[id] {
				continue
			}
			assigned[id] = true
			members = append(members, id)
		}
		if len(members) == 0 {
			continue
		}
		out = append(out, models.Cluster{
			Theme:     truncateString(rc.Theme, clusterMaxThemeLen),
			Severity:  rc.Severity,
			MemberIDs: members,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("reply contained no cluster with known members")
	}
	return out, nil
}
