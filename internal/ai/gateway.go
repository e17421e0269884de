package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/feedlens/internal/cache"
	"github.com/kiranshivaraju/feedlens/internal/metrics"
	"github.com/kiranshivaraju/feedlens/internal/ratelimit"
	"github.com/kiranshivaraju/feedlens/pkg/models"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRequestTimeout      = 25 * time.Second
	DefaultRateLimitPerHour    = 100
	DefaultCacheTTL            = time.Hour
	DefaultMaintenanceInterval = time.Hour

	anonymousCaller = "anonymous"
)

// RequestOptions tunes a single MakeRequest call. Zero values fall back to the
// gateway defaults.
type RequestOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	// CallerID scopes the rate limit. It does not take part in the cache key.
	CallerID     string
	Timeout      time.Duration
	CacheEnabled bool
	// Validate, when set, decides whether a reply may be cached. A rejected
	// reply is still returned to the caller, just never stored.
	Validate func(text string) error
}

// Gateway is the single path to a text-generation backend. It owns the response
// cache and the per-caller rate-limit windows; nothing is shared between instances.
type Gateway struct {
	provider models.TextGenerator
	model    string
	cache    cache.Cache
	limiter  ratelimit.Limiter
	timeout  time.Duration
	cacheTTL time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
}

type GatewayOption func(*Gateway)

// WithCache replaces the default in-memory response cache.
func WithCache(c cache.Cache, ttl time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.cache = c
		if ttl > 0 {
			g.cacheTTL = ttl
		}
	}
}

// WithLimiter replaces the default in-memory sliding window.
func WithLimiter(l ratelimit.Limiter) GatewayOption {
	return func(g *Gateway) { g.limiter = l }
}

func WithRequestTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithModel sets the model used when a request does not name one.
func WithModel(model string) GatewayOption {
	return func(g *Gateway) { g.model = model }
}

func WithMaintenanceInterval(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithClock replaces the time source used for latency measurement. Intended for tests.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway wraps provider. A nil provider yields an unconfigured gateway whose
// MakeRequest always fails with ErrUnconfigured.
func NewGateway(provider models.TextGenerator, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider: provider,
		timeout:  DefaultRequestTimeout,
		cacheTTL: DefaultCacheTTL,
		interval: DefaultMaintenanceInterval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if g.cache == nil {
		// NewMemoryCache cannot fail for a positive capacity.
		mc, _ := cache.NewMemoryCache(cache.DefaultCapacity)
		g.cache = mc
	}
	if g.limiter == nil {
		g.limiter = ratelimit.NewSlidingWindow(DefaultRateLimitPerHour, time.Hour)
	}
	return g
}

// Configured reports whether a backend is available. Callers check this before
// building prompts so an unconfigured deployment makes no gateway calls at all.
func (g *Gateway) Configured() bool {
	return g != nil && g.provider != nil
}

// Provider returns the backend name, or "" when unconfigured.
func (g *Gateway) Provider() string {
	if !g.Configured() {
		return ""
	}
	return g.provider.Name()
}

// MakeRequest sends messages to the backend, honouring the cache, the caller's
// rate limit and the request timeout. Every failure is an *Error.
func (g *Gateway) MakeRequest(ctx context.Context, messages []models.Message, opts RequestOptions) (string, error) {
	callerID := opts.CallerID
	if callerID == "" {
		callerID = anonymousCaller
	}
	log := g.logger.With("caller_id", callerID)

	if !g.Configured() {
		metrics.ObserveAIRequest(string(KindUnconfigured), 0)
		return "", ErrUnconfigured
	}

	req := models.CompletionRequest{
		Messages:    messages,
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if req.Model == "" {
		req.Model = g.model
	}

	key, err := requestKey(req)
	if err != nil {
		return "", newError(KindUnknown, err)
	}

	if opts.CacheEnabled {
		if text, ok := g.cached(ctx, key, log); ok {
			metrics.IncAICacheHit()
			metrics.ObserveAIRequest("cache_hit", 0)
			log.Debug("ai response served from cache")
			return text, nil
		}
	}

	decision, err := g.limiter.Allow(ctx, callerID)
	if err != nil {
		// A limiter outage must not take the AI features down with it.
		log.Warn("rate limiter unavailable, allowing request", "error", err)
	} else if !decision.Allowed {
		metrics.ObserveAIRequest(string(KindRateLimited), 0)
		log.Warn("ai rate limit exceeded", "limit", decision.Limit, "retry_after", decision.RetryAfter.String())
		return "", &Error{
			Kind: KindRateLimited,
			Err:  fmt.Errorf("caller %s exceeded %d requests per hour, retry in %s", callerID, decision.Limit, decision.RetryAfter.Round(time.Second)),
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}

	if !opts.CacheEnabled {
		return g.call(ctx, req, timeout, log)
	}

	// Concurrent identical requests share one upstream call. The shared call is
	// detached from any single caller's cancellation; each caller still stops
	// waiting when its own context ends.
	ch := g.group.DoChan(key, func() (any, error) {
		text, err := g.call(context.WithoutCancel(ctx), req, timeout, log)
		if err != nil {
			return "", err
		}
		if opts.Validate != nil {
			if err := opts.Validate(text); err != nil {
				log.Debug("ai response not cached", "error", err)
				return text, nil
			}
		}
		if err := g.cache.Set(context.WithoutCancel(ctx), key, []byte(text), g.cacheTTL); err != nil {
			log.Warn("failed to cache ai response", "error", err)
		}
		return text, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", classifyError(ctx.Err())
	}
}

func (g *Gateway) cached(ctx context.Context, key string, log *slog.Logger) (string, bool) {
	v, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		log.Warn("ai cache read failed", "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return string(v), true
}

// call runs one upstream request under its own deadline. Expiry cancels the HTTP
// request itself.
func (g *Gateway) call(ctx context.Context, req models.CompletionRequest, timeout time.Duration, log *slog.Logger) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := g.now()
	text, err := g.provider.Complete(callCtx, req)
	elapsed := g.now().Sub(start)

	if err == nil && strings.TrimSpace(text) == "" {
		err = &Error{Kind: KindMalformedResponse, Upstream: true, Err: errors.New("empty completion")}
	}
	if err != nil {
		var gerr *Error
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			gerr = newError(KindTimeout, fmt.Errorf("no response within %s: %w", timeout, err))
		} else {
			gerr = classifyError(err)
		}
		metrics.ObserveAIRequest(string(gerr.Kind), elapsed)
		log.Warn("ai request failed",
			"provider", g.provider.Name(),
			"kind", string(gerr.Kind),
			"status", gerr.Status,
			"duration_ms", elapsed.Milliseconds(),
			"error", gerr.Err,
		)
		return "", gerr
	}

	metrics.ObserveAIRequest("success", elapsed)
	log.Info("ai request completed",
		"provider", g.provider.Name(),
		"model", req.Model,
		"duration_ms", elapsed.Milliseconds(),
	)
	return text, nil
}

// requestKey hashes the canonical encoding of everything that determines the
// completion. Struct field order keeps the encoding stable.
func requestKey(req models.CompletionRequest) (string, error) {
	canonical := struct {
		Messages    []models.Message `json:"messages"`
		Model       string           `json:"model"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}{req.Messages, req.Model, req.Temperature, req.MaxTokens}

	b, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("encoding request key: %w", err)
	}
	sum := sha256.Sum256(b)
	return cache.ResponseKey(hex.EncodeToString(sum[:])), nil
}

// Sweep removes expired cache entries and idle rate-limit windows. Backends that
// expire on their own (Redis) are skipped.
func (g *Gateway) Sweep(ctx context.Context) (cacheRemoved, windowsRemoved int) {
	if s, ok := g.cache.(cache.Sweeper); ok {
		n, err := s.Sweep(ctx)
		if err != nil {
			g.logger.Warn("cache sweep failed", "error", err)
		}
		cacheRemoved = n
	}
	if s, ok := g.limiter.(ratelimit.Sweeper); ok {
		n, err := s.Sweep(ctx)
		if err != nil {
			g.logger.Warn("rate-limit sweep failed", "error", err)
		}
		windowsRemoved = n
	}
	metrics.AddMaintenanceRemoved("cache", cacheRemoved)
	metrics.AddMaintenanceRemoved("ratelimit", windowsRemoved)
	return cacheRemoved, windowsRemoved
}

// StartMaintenance sweeps on every interval tick until ctx is cancelled. The
// returned channel closes once the loop has exited.
func (g *Gateway) StartMaintenance(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c, w := g.Sweep(ctx)
				g.logger.Info("ai maintenance sweep", "cache_removed", c, "windows_removed", w)
			}
		}
	}()
	return done
}
