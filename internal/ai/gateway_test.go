package ai_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/feedlens/internal/ai"
	"github.com/kiranshivaraju/feedlens/internal/ai/mock"
	"github.com/kiranshivaraju/feedlens/internal/ai/openai"
	"github.com/kiranshivaraju/feedlens/internal/cache"
	"github.com/kiranshivaraju/feedlens/internal/config"
	"github.com/kiranshivaraju/feedlens/internal/ratelimit"
	"github.com/kiranshivaraju/feedlens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func prompt(text string) []models.Message {
	return []models.Message{
		{Role: models.RoleSystem, Content: "Answer briefly."},
		{Role: models.RoleUser, Content: text},
	}
}

func openAIBackend(t *testing.T, handler http.HandlerFunc) *openai.Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return openai.NewProvider(config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-test", BaseURL: srv.URL})
}

func TestMakeRequest_Unconfigured(t *testing.T) {
	g := ai.NewGateway(nil)
	assert.False(t, g.Configured())
	assert.Empty(t, g.Provider())

	_, err := g.MakeRequest(context.Background(), prompt("hi"), ai.RequestOptions{CallerID: "c"})
	assert.ErrorIs(t, err, ai.ErrUnconfigured)
}

func TestMakeRequest_Success(t *testing.T) {
	gen := mock.NewMockGenerator("hello there")
	g := ai.NewGateway(gen, ai.WithModel("default-model"))

	text, err := g.MakeRequest(context.Background(), prompt("hi"), ai.RequestOptions{CallerID: "c", MaxTokens: 64, Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)

	reqs := gen.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "default-model", reqs[0].Model)
	assert.Equal(t, 64, reqs[0].MaxTokens)
	assert.InDelta(t, 0.3, reqs[0].Temperature, 1e-9)
}

func TestMakeRequest_CacheHitSkipsBackend(t *testing.T) {
	gen := mock.NewMockGenerator("cached answer")
	g := ai.NewGateway(gen)
	opts := ai.RequestOptions{CallerID: "c", Temperature: 0.3, CacheEnabled: true}

	first, err := g.MakeRequest(context.Background(), prompt("same"), opts)
	require.NoError(t, err)
	second, err := g.MakeRequest(context.Background(), prompt("same"), opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, gen.Calls())
}

func TestMakeRequest_CacheSharedAcrossCallers(t *testing.T) {
	gen := mock.NewMockGenerator("shared")
	g := ai.NewGateway(gen)

	_, err := g.MakeRequest(context.Background(), prompt("same"), ai.RequestOptions{CallerID: "a", CacheEnabled: true})
	require.NoError(t, err)
	_, err = g.MakeRequest(context.Background(), prompt("same"), ai.RequestOptions{CallerID: "b", CacheEnabled: true})
	require.NoError(t, err)

	assert.Equal(t, 1, gen.Calls())
}

func TestMakeRequest_CacheKeyIncludesParameters(t *testing.T) {
	gen := mock.NewMockGenerator("x")
	g := ai.NewGateway(gen)
	ctx := context.Background()

	_, _ = g.MakeRequest(ctx, prompt("same"), ai.RequestOptions{Temperature: 0.1, CacheEnabled: true})
	_, _ = g.MakeRequest(ctx, prompt("same"), ai.RequestOptions{Temperature: 0.3, CacheEnabled: true})
	_, _ = g.MakeRequest(ctx, prompt("same"), ai.RequestOptions{Temperature: 0.3, MaxTokens: 10, CacheEnabled: true})
	_, _ = g.MakeRequest(ctx, prompt("same"), ai.RequestOptions{Temperature: 0.3, Model: "other", CacheEnabled: true})
	_, _ = g.MakeRequest(ctx, prompt("different"), ai.RequestOptions{Temperature: 0.3, CacheEnabled: true})

	assert.Equal(t, 5, gen.Calls())
}

func TestMakeRequest_CacheDisabled(t *testing.T) {
	gen := mock.NewMockGenerator("x")
	g := ai.NewGateway(gen)

	_, _ = g.MakeRequest(context.Background(), prompt("same"), ai.RequestOptions{})
	_, _ = g.MakeRequest(context.Background(), prompt("same"), ai.RequestOptions{})

	assert.Equal(t, 2, gen.Calls())
}

func TestMakeRequest_CacheEntryExpires(t *testing.T) {
	clock := newClock()
	mc, err := cache.NewMemoryCache(10)
	require.NoError(t, err)
	mc.WithClock(clock.Now)

	gen := mock.NewMockGenerator("x")
	g := ai.NewGateway(gen, ai.WithCache(mc, time.Hour))
	opts := ai.RequestOptions{CacheEnabled: true}

	_, _ = g.MakeRequest(context.Background(), prompt("same"), opts)
	clock.Advance(time.Hour)
	_, _ = g.MakeRequest(context.Background(), prompt("same"), opts)

	assert.Equal(t, 2, gen.Calls())
}

func TestMakeRequest_RateLimitAfterHundredCalls(t *testing.T) {
	clock := newClock()
	limiter := ratelimit.NewSlidingWindow(100, time.Hour).WithClock(clock.Now)
	gen := mock.NewMockGenerator("ok")
	g := ai.NewGateway(gen, ai.WithLimiter(limiter))
	ctx := context.Background()
	opts := ai.RequestOptions{CallerID: "tenant-1"}

	for i := 0; i < 100; i++ {
		_, err := g.MakeRequest(ctx, prompt("q"), opts)
		require.NoError(t, err, "call %d", i+1)
		clock.Advance(time.Second)
	}

	_, err := g.MakeRequest(ctx, prompt("q"), opts)
	require.ErrorIs(t, err, ai.ErrRateLimited)
	assert.Equal(t, 100, gen.Calls(), "a limited call must not reach the backend")

	var gerr *ai.Error
	require.True(t, errors.As(err, &gerr))
	assert.False(t, gerr.Upstream)

	clock.Advance(time.Hour)
	_, err = g.MakeRequest(ctx, prompt("q"), opts)
	assert.NoError(t, err)
}

func TestMakeRequest_CacheHitIsNotCharged(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(1, time.Hour)
	gen := mock.NewMockGenerator("ok")
	g := ai.NewGateway(gen, ai.WithLimiter(limiter))
	ctx := context.Background()
	opts := ai.RequestOptions{CallerID: "c", CacheEnabled: true}

	_, err := g.MakeRequest(ctx, prompt("q"), opts)
	require.NoError(t, err)
	_, err = g.MakeRequest(ctx, prompt("q"), opts)
	require.NoError(t, err)

	_, err = g.MakeRequest(ctx, prompt("other"), opts)
	assert.ErrorIs(t, err, ai.ErrRateLimited)
}

func TestMakeRequest_Timeout(t *testing.T) {
	g := ai.NewGateway(mock.NewTimeoutGenerator())

	start := time.Now()
	_, err := g.MakeRequest(context.Background(), prompt("slow"), ai.RequestOptions{Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, ai.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMakeRequest_TimeoutCancelsUpstreamRequest(t *testing.T) {
	cancelled := make(chan struct{})
	provider := openAIBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(cancelled)
		case <-time.After(5 * time.Second):
			w.WriteHeader(http.StatusOK)
		}
	})
	g := ai.NewGateway(provider)

	_, err := g.MakeRequest(context.Background(), prompt("slow"), ai.RequestOptions{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ai.ErrTimeout)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request kept running after the timeout")
	}
}

func TestMakeRequest_EmptyResponseIsMalformed(t *testing.T) {
	g := ai.NewGateway(mock.NewMockGenerator("  \n "))

	_, err := g.MakeRequest(context.Background(), prompt("q"), ai.RequestOptions{})
	assert.ErrorIs(t, err, ai.ErrMalformedResponse)
}

func TestMakeRequest_EmptyResponseIsNotCached(t *testing.T) {
	gen := mock.NewSequenceGenerator("", "real answer")
	g := ai.NewGateway(gen)
	opts := ai.RequestOptions{CacheEnabled: true}

	_, err := g.MakeRequest(context.Background(), prompt("q"), opts)
	require.ErrorIs(t, err, ai.ErrMalformedResponse)

	text, err := g.MakeRequest(context.Background(), prompt("q"), opts)
	require.NoError(t, err)
	assert.Equal(t, "real answer", text)
}

func TestMakeRequest_RejectedReplyIsNotCached(t *testing.T) {
	gen := mock.NewSequenceGenerator("not json", `{"ok":true}`, "never asked")
	g := ai.NewGateway(gen)
	opts := ai.RequestOptions{
		CacheEnabled: true,
		Validate: func(text string) error {
			if !strings.HasPrefix(text, "{") {
				return errors.New("not an object")
			}
			return nil
		},
	}
	ctx := context.Background()

	text, err := g.MakeRequest(ctx, prompt("q"), opts)
	require.NoError(t, err)
	assert.Equal(t, "not json", text, "the caller still sees the rejected reply")

	text, err = g.MakeRequest(ctx, prompt("q"), opts)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, text)

	text, err = g.MakeRequest(ctx, prompt("q"), opts)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, text, "an accepted reply is cached")
	assert.Equal(t, 2, gen.Calls())
}

func TestMakeRequest_UpstreamStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ai.ErrUpstreamBadRequest},
		{http.StatusUnauthorized, ai.ErrUpstreamAuthFailed},
		{http.StatusForbidden, ai.ErrUpstreamAuthFailed},
		{http.StatusTooManyRequests, ai.ErrRateLimited},
		{http.StatusInternalServerError, ai.ErrUpstreamServerError},
		{http.StatusServiceUnavailable, ai.ErrUpstreamServerError},
		{http.StatusTeapot, ai.ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			provider := openAIBackend(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			})
			g := ai.NewGateway(provider)

			_, err := g.MakeRequest(context.Background(), prompt("q"), ai.RequestOptions{})
			require.ErrorIs(t, err, tt.want)

			var gerr *ai.Error
			require.True(t, errors.As(err, &gerr))
			assert.Equal(t, tt.status, gerr.Status)
			assert.True(t, gerr.Upstream)
		})
	}
}

func TestMakeRequest_ConnectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	provider := openai.NewProvider(config.OpenAIConfig{APIKey: "k", Model: "m", BaseURL: url})
	g := ai.NewGateway(provider)

	_, err := g.MakeRequest(context.Background(), prompt("q"), ai.RequestOptions{})
	assert.ErrorIs(t, err, ai.ErrConnectionFailed)
}

func TestMakeRequest_ConcurrentIdenticalRequestsShareOneCall(t *testing.T) {
	release := make(chan struct{})
	gen := &mock.MockGenerator{
		Name_: "slow",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (string, error) {
			select {
			case <-release:
				return "shared answer", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	g := ai.NewGateway(gen)
	opts := ai.RequestOptions{CacheEnabled: true}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := g.MakeRequest(context.Background(), prompt("same"), opts)
			if err == nil {
				results[i] = text
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "shared answer", r)
	}
	assert.Equal(t, 1, gen.Calls())
}

func TestMakeRequest_CallerCancellation(t *testing.T) {
	g := ai.NewGateway(mock.NewTimeoutGenerator())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.MakeRequest(ctx, prompt("q"), ai.RequestOptions{CacheEnabled: true, Timeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweep_RemovesExpiredEntriesAndIdleWindows(t *testing.T) {
	clock := newClock()
	mc, err := cache.NewMemoryCache(10)
	require.NoError(t, err)
	mc.WithClock(clock.Now)
	limiter := ratelimit.NewSlidingWindow(10, time.Hour).WithClock(clock.Now)

	g := ai.NewGateway(mock.NewMockGenerator("x"), ai.WithCache(mc, time.Hour), ai.WithLimiter(limiter))
	_, err = g.MakeRequest(context.Background(), prompt("q"), ai.RequestOptions{CallerID: "idle", CacheEnabled: true})
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	cacheRemoved, windowsRemoved := g.Sweep(context.Background())
	assert.Equal(t, 1, cacheRemoved)
	assert.Equal(t, 1, windowsRemoved)
	assert.Equal(t, 0, mc.Len())
	assert.Equal(t, 0, limiter.Len())
}

func TestStartMaintenance_StopsOnCancel(t *testing.T) {
	g := ai.NewGateway(mock.NewMockGenerator("x"), ai.WithMaintenanceInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := g.StartMaintenance(ctx)

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}
