package openai

import (
	"context"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/feedlens/internal/ai/upstream"
	"github.com/kiranshivaraju/feedlens/internal/config"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements models.TextGenerator against any OpenAI-compatible
// Chat Completions endpoint.
type Provider struct {
	name    string
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type Option func(*Provider)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithName changes the identifier reported by Name, for compatible servers.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

func NewProvider(cfg config.OpenAIConfig, opts ...Option) *Provider {
	p := &Provider{
		name:    "openai",
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: cfg.BaseURL,
		client:  upstream.NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Index   int            `json:"index"`
		Message models.Message `json:"message"`
	} `json:"choices"`
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Complete calls the Chat Completions endpoint and returns the first choice.
// An empty choices array yields an empty string, which the gateway rejects.
func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	var resp chatResponse
	err := upstream.PostJSON(ctx, p.client, p.name, chatURL(p.baseURL), headers, chatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

var _ models.TextGenerator = (*Provider)(nil)
