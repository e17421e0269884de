package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/internal/ai"
	"github.com/kiranshivaraju/feedlens/internal/ai/mock"
	"github.com/kiranshivaraju/feedlens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replyCluster struct {
	Theme     string   `json:"theme"`
	Severity  string   `json:"severity"`
	MemberIDs []string `json:"member_ids"`
}

func clusterReplyJSON(t *testing.T, clusters ...replyCluster) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"clusters": clusters})
	require.NoError(t, err)
	return string(b)
}

func ids(items ...*models.FeedbackItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID.String()
	}
	return out
}

type clusterFixture struct {
	st     *memStore
	tenant uuid.UUID
	clock  *fakeClock
	gen    *mock.MockGenerator
	req    *countingRequester
	engine *ClusteringEngine
}

// themedGenerator spreads the items it is shown round-robin over its themes,
// one cluster per theme, in theme order.
type themedGenerator struct {
	*mock.MockGenerator
	themes []string
}

func multiGenerator(themes ...string) *themedGenerator {
	g := &themedGenerator{themes: themes}
	g.MockGenerator = &mock.MockGenerator{
		Name_: "themed",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
			prompt := req.Messages[len(req.Messages)-1].Content
			var members []string
			for _, line := range strings.Split(prompt, "\n") {
				if strings.HasPrefix(line, "[") {
					members = append(members, line[1:strings.IndexByte(line, ']')])
				}
			}
			clusters := make([]replyCluster, len(g.themes))
			for i, th := range g.themes {
				clusters[i] = replyCluster{Theme: th, Severity: "medium"}
			}
			for i, m := range members {
				c := &clusters[i%len(clusters)]
				c.MemberIDs = append(c.MemberIDs, m)
			}
			b, _ := json.Marshal(map[string]any{"clusters": clusters})
			return string(b), nil
		},
	}
	return g
}

func newClusterFixture(t *testing.T, gen *mock.MockGenerator, opts ClusteringOptions) *clusterFixture {
	t.Helper()
	f := &clusterFixture{
		st:     newMemStore(),
		tenant: uuid.New(),
		clock:  &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		gen:    gen,
	}
	f.req = newRequester(t, gen)
	f.engine = NewClusteringEngine(f.req, f.st, opts).WithClock(f.clock.Now)
	return f
}

// dynamicGenerator groups every item it is shown into a single cluster.
func dynamicGenerator(theme string) *mock.MockGenerator {
	return &mock.MockGenerator{
		Name_: "grouper",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
			prompt := req.Messages[len(req.Messages)-1].Content
			var members []string
			for _, line := range strings.Split(prompt, "\n") {
				if strings.HasPrefix(line, "[") {
					members = append(members, line[1:strings.IndexByte(line, ']')])
				}
			}
			b, _ := json.Marshal(map[string]any{"clusters": []replyCluster{{Theme: theme, Severity: "high", MemberIDs: members}}})
			return string(b), nil
		},
	}
}

func TestReconcile_FewerThanTwoItems(t *testing.T) {
	f := newClusterFixture(t, dynamicGenerator("x"), ClusteringOptions{})
	f.st.addItems(f.tenant, "only one")

	res, err := f.engine.Reconcile(context.Background(), f.tenant)
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, f.req.Calls())
}

func TestReconcile_Unconfigured(t *testing.T) {
	f := newClusterFixture(t, nil, ClusteringOptions{})
	f.st.addItems(f.tenant, "a", "b", "c")

	res, err := f.engine.Reconcile(context.Background(), f.tenant)
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, f.req.Calls())
}

func TestReconcile_FirstRunRecomputesThenServesFresh(t *testing.T) {
	f := newClusterFixture(t, dynamicGenerator("Upload crashes"), ClusteringOptions{})
	f.st.addItems(f.tenant, "app crashes on upload", "upload crashes the app")
	ctx := context.Background()

	first, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StatusRecomputed, first.Status)
	require.Len(t, first.Clusters, 1)
	assert.Equal(t, 2, first.Clusters[0].SourceItemCount)
	assert.Len(t, first.Clusters[0].MemberIDs, 2)

	f.clock.Advance(time.Hour)
	second, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, second.Status)

	f.clock.Advance(time.Hour)
	third, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)

	assert.Equal(t, second.Clusters, third.Clusters)
	assert.Equal(t, first.Clusters[0].ID, third.Clusters[0].ID)
	assert.Equal(t, 1, f.req.Calls(), "only the first, stale call recomputes")
}

func TestReconcile_OneNewItemTriggersRecompute(t *testing.T) {
	f := newClusterFixture(t, dynamicGenerator("Upload crashes"), ClusteringOptions{})
	f.st.addItems(f.tenant, "app crashes on upload", "upload crashes the app")
	ctx := context.Background()

	first, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	f.st.addItems(f.tenant, "crash while uploading video")

	second, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusRecomputed, second.Status)
	assert.Equal(t, 2, f.req.Calls())

	rows := f.st.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, first.Clusters[0].ID, rows[0].ID, "theme match keeps the row identity")
	assert.Equal(t, 3, rows[0].SourceItemCount)
	assert.Len(t, rows[0].MemberIDs, 3)
	assert.Equal(t, f.clock.Now(), rows[0].UpdatedAt)
	assert.Equal(t, 1, f.st.updates)
}

func TestReconcile_TimeoutFallsBackToPersisted(t *testing.T) {
	f := newClusterFixture(t, mock.NewTimeoutGenerator(), ClusteringOptions{Timeout: 20 * time.Millisecond})
	items := f.st.addItems(f.tenant, "a", "b", "c")
	seeded := &models.Cluster{
		TenantID:        f.tenant,
		Theme:           "Existing theme",
		Severity:        models.SeverityMedium,
		MemberIDs:       []uuid.UUID{items[0].ID, items[1].ID},
		SourceItemCount: 2,
		UpdatedAt:       f.clock.Now().Add(-time.Hour),
	}
	f.st.seedClusters(t, f.tenant, 2, f.clock.Now().Add(-time.Hour), seeded)
	before := f.st.snapshot()

	res, err := f.engine.Reconcile(context.Background(), f.tenant)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusFallback, res.Status)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, before[0], *res.Clusters[0])
	assert.Equal(t, before, f.st.snapshot(), "persisted rows are unchanged")
}

func TestReconcile_FallbackWithoutPersistedClustersIsEmpty(t *testing.T) {
	f := newClusterFixture(t, mock.NewFailingGenerator(&ai.Error{Kind: ai.KindUpstreamServerError, Status: 500}), ClusteringOptions{})
	f.st.addItems(f.tenant, "a", "b")

	res, err := f.engine.Reconcile(context.Background(), f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusFallback, res.Status)
	assert.NotNil(t, res.Clusters)
	assert.Empty(t, res.Clusters)
}

func TestReconcile_FiltersUnknownMembersAndDropsEmptyClusters(t *testing.T) {
	f := newClusterFixture(t, nil, ClusteringOptions{})
	items := f.st.addItems(f.tenant, "a", "b", "c")
	gen := mock.NewMockGenerator(clusterReplyJSON(t,
		replyCluster{Theme: "Real", Severity: "LOW", MemberIDs: append(ids(items[0], items[1]), uuid.NewString(), "not-an-id")},
		replyCluster{Theme: "Ghost", Severity: "high", MemberIDs: []string{uuid.NewString()}},
	))
	f.req = newRequester(t, gen)
	f.engine = NewClusteringEngine(f.req, f.st, ClusteringOptions{}).WithClock(f.clock.Now)

	res, err := f.engine.Reconcile(context.Background(), f.tenant)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, "Real", res.Clusters[0].Theme)
	assert.Equal(t, models.SeverityLow, res.Clusters[0].Severity)
	assert.ElementsMatch(t, []uuid.UUID{items[0].ID, items[1].ID}, res.Clusters[0].MemberIDs)
}

func TestReconcile_WriteFailureFallsBack(t *testing.T) {
	f := newClusterFixture(t, multiGenerator("Crashes", "Billing", "Dark mode").MockGenerator, ClusteringOptions{})
	f.st.addItems(f.tenant, "a", "b", "c")
	ctx := context.Background()
	f.st.insertErr = errors.New("disk full")

	res, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusFallback, res.Status)
	assert.Empty(t, res.Clusters)
	assert.Empty(t, f.st.snapshot(), "a failed write leaves nothing behind")

	st, err := f.engine.State(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StateNoClusters, st)

	f.st.insertErr = nil
	res, err = f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusRecomputed, res.Status, "the next call retries")
	require.Len(t, res.Clusters, 3)
	assert.Len(t, f.st.snapshot(), 3)
	assert.Equal(t, 2, f.req.Calls())
}

func TestReconcile_PartialUpdateFailureKeepsRetrying(t *testing.T) {
	f := newClusterFixture(t, multiGenerator("Crashes", "Billing").MockGenerator, ClusteringOptions{Matcher: PositionalMatcher{}})
	f.st.addItems(f.tenant, "a", "b", "c")
	ctx := context.Background()

	_, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	before := f.st.snapshot()
	require.Len(t, before, 2)

	// One more item and a store that rejects updates: nothing may be stamped
	// with the new count.
	f.st.addItems(f.tenant, "d")
	f.st.updateErr = errors.New("connection reset")
	res, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusFallback, res.Status)
	assert.Equal(t, before, f.st.snapshot())

	f.st.updateErr = nil
	res, err = f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusRecomputed, res.Status)
	for _, c := range f.st.snapshot() {
		assert.Equal(t, 4, c.SourceItemCount)
	}
}

func TestReconcile_ReadFailureIsReturned(t *testing.T) {
	f := newClusterFixture(t, dynamicGenerator("Theme"), ClusteringOptions{})
	f.st.addItems(f.tenant, "a", "b")
	f.st.listErr = errors.New("connection lost")

	res, err := f.engine.Reconcile(context.Background(), f.tenant)
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "connection lost")
}

func TestReconcile_StaleAfterDayOnlyWhenCountChanged(t *testing.T) {
	f := newClusterFixture(t, dynamicGenerator("Theme"), ClusteringOptions{})
	f.st.addItems(f.tenant, "a", "b", "c")
	seeded := &models.Cluster{
		TenantID:        f.tenant,
		Theme:           "Theme",
		Severity:        models.SeverityLow,
		SourceItemCount: 3,
		UpdatedAt:       f.clock.Now(),
	}
	f.st.seedClusters(t, f.tenant, 3, f.clock.Now(), seeded)
	ctx := context.Background()

	f.clock.Advance(48 * time.Hour)
	res, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, res.Status, "unchanged count stays fresh regardless of age")

	// Simulate a deletion: the count drops below the recorded one.
	f.st.mu.Lock()
	f.st.items = f.st.items[:2]
	f.st.mu.Unlock()

	res, err = f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusRecomputed, res.Status)
	assert.Equal(t, 1, f.req.Calls())
}

func TestReconcile_ShrinkWithinDayStaysFresh(t *testing.T) {
	f := newClusterFixture(t, dynamicGenerator("Theme"), ClusteringOptions{})
	f.st.addItems(f.tenant, "a", "b")
	seeded := &models.Cluster{Theme: "Theme", SourceItemCount: 5, UpdatedAt: f.clock.Now()}
	f.st.seedClusters(t, f.tenant, 5, f.clock.Now(), seeded)

	f.clock.Advance(23 * time.Hour)
	res, err := f.engine.Reconcile(context.Background(), f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusFresh, res.Status)
	assert.Equal(t, 0, f.req.Calls())
}

func TestReconcile_PositionalOrphansAreKept(t *testing.T) {
	f := newClusterFixture(t, dynamicGenerator("Completely new theme"), ClusteringOptions{Matcher: PositionalMatcher{}})
	f.st.addItems(f.tenant, "a", "b", "c")
	f.st.seedClusters(t, f.tenant, 2, f.clock.Now(),
		&models.Cluster{Theme: "first", SourceItemCount: 2, UpdatedAt: f.clock.Now()},
		&models.Cluster{Theme: "second", SourceItemCount: 2, UpdatedAt: f.clock.Now()},
	)
	before := f.st.snapshot()

	res, err := f.engine.Reconcile(context.Background(), f.tenant)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 2)
	assert.Equal(t, before[0].ID, res.Clusters[0].ID)
	assert.Equal(t, "Completely new theme", res.Clusters[0].Theme)
	assert.Equal(t, before[1], *res.Clusters[1], "orphan is left untouched")
	assert.Equal(t, 2, f.st.inserts, "positional mode with fewer fresh clusters creates no rows")
}

func TestReconcile_GrowthAfterOrphaningRecomputeIsStale(t *testing.T) {
	gen := multiGenerator("first", "second", "third")
	f := newClusterFixture(t, gen.MockGenerator, ClusteringOptions{Matcher: PositionalMatcher{}})
	ctx := context.Background()
	f.st.addItems(f.tenant, "a", "b", "c", "d", "e")

	res, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 3)

	// Two deletions, then a recompute a day later that yields a single cluster
	// and leaves two orphans stamped with the old count of 5.
	f.st.mu.Lock()
	f.st.items = f.st.items[:3]
	f.st.mu.Unlock()
	gen.themes = []string{"only"}
	f.clock.Advance(25 * time.Hour)
	res, err = f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	require.Equal(t, StatusRecomputed, res.Status)
	require.Len(t, res.Clusters, 3)
	assert.Equal(t, 5, res.Clusters[2].SourceItemCount, "orphan keeps its old count")

	f.st.addItems(f.tenant, "f")
	st, err := f.engine.State(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StateStale, st)

	res, err = f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StatusRecomputed, res.Status, "one new item after the orphaning run")
	assert.Equal(t, 3, gen.Calls())
}

func TestReconcile_RowsCreatedTogetherKeepTheirOrder(t *testing.T) {
	themes := []string{"Crashes", "Billing", "Dark mode", "Exports", "Login"}
	gen := multiGenerator(themes...)
	f := newClusterFixture(t, gen.MockGenerator, ClusteringOptions{Matcher: PositionalMatcher{}})
	ctx := context.Background()
	f.st.addItems(f.tenant, "a", "b", "c", "d", "e")

	first, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	require.Len(t, first.Clusters, len(themes))

	persisted, err := f.st.ListClusters(ctx, f.tenant)
	require.NoError(t, err)
	for i, c := range persisted {
		assert.Equal(t, themes[i], c.Theme)
		assert.Equal(t, first.Clusters[i].ID, c.ID)
		assert.True(t, c.CreatedAt.Equal(persisted[0].CreatedAt), "same run, same timestamp")
	}

	// The same grouping again must land each theme on its own row.
	f.st.addItems(f.tenant, "f")
	second, err := f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	require.Equal(t, StatusRecomputed, second.Status)
	for i, c := range second.Clusters {
		assert.Equal(t, first.Clusters[i].ID, c.ID)
		assert.Equal(t, themes[i], c.Theme)
	}
}

func TestReconcile_LogsWhenCorpusIsTruncated(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	f := newClusterFixture(t, dynamicGenerator("Theme"), ClusteringOptions{MaxItems: 3, Logger: logger})
	f.st.addItems(f.tenant, "a", "b", "c", "d", "e")

	res, err := f.engine.Reconcile(context.Background(), f.tenant)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	assert.Len(t, res.Clusters[0].MemberIDs, 3)
	assert.Equal(t, 5, res.ItemCount)
	assert.Contains(t, buf.String(), "clustering only the most recent feedback")
	assert.Contains(t, buf.String(), "items=5")
	assert.Contains(t, buf.String(), "clustered=3")
}

func TestReconcile_NoTruncationWarningUnderCap(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	f := newClusterFixture(t, dynamicGenerator("Theme"), ClusteringOptions{MaxItems: 3, Logger: logger})
	f.st.addItems(f.tenant, "a", "b", "c")

	_, err := f.engine.Reconcile(context.Background(), f.tenant)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "clustering only the most recent feedback")
}

func TestReconcile_ConcurrentCallsShareOneRecompute(t *testing.T) {
	release := make(chan struct{})
	inner := dynamicGenerator("Theme")
	gen := &mock.MockGenerator{
		Name_: "slow",
		CompleteFunc: func(ctx context.Context, req models.CompletionRequest) (string, error) {
			<-release
			return inner.CompleteFunc(ctx, req)
		},
	}
	f := newClusterFixture(t, gen, ClusteringOptions{})
	f.st.addItems(f.tenant, "a", "b")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Reconcile(context.Background(), f.tenant)
		}()
	}

	require.Eventually(t, func() bool {
		st, err := f.engine.State(context.Background(), f.tenant)
		return err == nil && st == StateRecomputing
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, gen.Calls())
	assert.Equal(t, 1, f.st.inserts)
}

func TestState(t *testing.T) {
	f := newClusterFixture(t, dynamicGenerator("Theme"), ClusteringOptions{})
	ctx := context.Background()
	f.st.addItems(f.tenant, "a", "b")

	st, err := f.engine.State(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StateNoClusters, st)

	_, err = f.engine.Reconcile(ctx, f.tenant)
	require.NoError(t, err)
	st, err = f.engine.State(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, st)

	f.st.addItems(f.tenant, "c")
	st, err = f.engine.State(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, StateStale, st)
}
