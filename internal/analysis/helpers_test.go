package analysis

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/internal/ai"
	"github.com/kiranshivaraju/feedlens/internal/ai/mock"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

var errNotFound = errors.New("not found")

// memStore is an in-memory FeedbackStore and ClusterStore.
type memStore struct {
	mu       sync.Mutex
	items    []*models.FeedbackItem
	clusters []*models.Cluster

	listErr    error
	insertErr  error
	updateErr  error
	inserts    int
	updates    int
	analysisOf map[uuid.UUID]*models.AnalysisResult
	runs       map[uuid.UUID]models.ClusterRun
}

func newMemStore() *memStore {
	return &memStore{
		analysisOf: make(map[uuid.UUID]*models.AnalysisResult),
		runs:       make(map[uuid.UUID]models.ClusterRun),
	}
}

func (s *memStore) addItems(tenantID uuid.UUID, contents ...string) []*models.FeedbackItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(len(s.items)) * time.Minute)
	var added []*models.FeedbackItem
	for i, c := range contents {
		it := &models.FeedbackItem{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Content:   c,
			Platform:  "web",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		s.items = append(s.items, it)
		added = append(added, it)
	}
	return added
}

func (s *memStore) GetFeedback(_ context.Context, tenantID, id uuid.UUID) (*models.FeedbackItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ID == id && it.TenantID == tenantID {
			cp := *it
			return &cp, nil
		}
	}
	return nil, errNotFound
}

func (s *memStore) UpdateFeedbackAnalysis(_ context.Context, _, id uuid.UUID, result *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysisOf[id] = result
	return nil
}

func (s *memStore) CountFeedback(_ context.Context, tenantID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListFeedback(_ context.Context, tenantID uuid.UUID, limit int) ([]*models.FeedbackItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.FeedbackItem
	for i := len(s.items) - 1; i >= 0 && len(out) < limit; i-- {
		if s.items[i].TenantID == tenantID {
			cp := *s.items[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListClusters(_ context.Context, tenantID uuid.UUID) ([]*models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.Cluster
	for _, c := range s.clusters {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *memStore) LastClusterRun(_ context.Context, tenantID uuid.UUID) (*models.ClusterRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[tenantID]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

// ApplyClusterChanges stages every write on a copy and commits only if all succeed.
func (s *memStore) ApplyClusterChanges(_ context.Context, ch *models.ClusterChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make([]*models.Cluster, len(s.clusters))
	copy(staged, s.clusters)
	for _, c := range ch.Updates {
		if s.updateErr != nil {
			return s.updateErr
		}
		found := false
		for i, existing := range staged {
			if existing.ID == c.ID {
				cp := *c
				cp.Position = existing.Position
				cp.CreatedAt = existing.CreatedAt
				staged[i] = &cp
				found = true
				break
			}
		}
		if !found {
			return errNotFound
		}
	}
	next := 0
	for _, c := range staged {
		if c.TenantID == ch.Run.TenantID && c.Position >= next {
			next = c.Position + 1
		}
	}
	for _, c := range ch.Creates {
		if s.insertErr != nil {
			return s.insertErr
		}
		cp := *c
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		cp.Position = next
		next++
		staged = append(staged, &cp)
		c.ID, c.Position = cp.ID, cp.Position
	}

	s.clusters = staged
	s.inserts += len(ch.Creates)
	s.updates += len(ch.Updates)
	s.runs[ch.Run.TenantID] = ch.Run
	return nil
}

// seedClusters persists clusters as if a recompute over itemCount items had
// just run at ranAt.
func (s *memStore) seedClusters(t *testing.T, tenantID uuid.UUID, itemCount int, ranAt time.Time, clusters ...*models.Cluster) {
	t.Helper()
	for _, c := range clusters {
		c.TenantID = tenantID
	}
	err := s.ApplyClusterChanges(context.Background(), &models.ClusterChanges{
		Creates: clusters,
		Run:     models.ClusterRun{TenantID: tenantID, ItemCount: itemCount, RanAt: ranAt},
	})
	if err != nil {
		t.Fatalf("seeding clusters: %v", err)
	}
}

func (s *memStore) snapshot() []models.Cluster {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Cluster, len(s.clusters))
	for i, c := range s.clusters {
		out[i] = *c
	}
	return out
}

// countingRequester records every MakeRequest made through it.
type countingRequester struct {
	Requester
	mu    sync.Mutex
	calls int
}

func (c *countingRequester) MakeRequest(ctx context.Context, messages []models.Message, opts ai.RequestOptions) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Requester.MakeRequest(ctx, messages, opts)
}

func (c *countingRequester) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newRequester(t *testing.T, gen *mock.MockGenerator) *countingRequester {
	t.Helper()
	if gen == nil {
		return &countingRequester{Requester: ai.NewGateway(nil)}
	}
	return &countingRequester{Requester: ai.NewGateway(gen)}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
