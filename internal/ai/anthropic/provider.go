package anthropic

import (
	"context"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/feedlens/internal/ai/upstream"
	"github.com/kiranshivaraju/feedlens/internal/config"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

const apiVersion = "2023-06-01"

// Provider implements models.TextGenerator using the Anthropic Messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

type Option func(*Provider)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func NewProvider(cfg config.AnthropicConfig, opts ...Option) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	p := &Provider{cfg: cfg, client: upstream.NewHTTPClient()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "anthropic" }

type messagesRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []models.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends the conversation to /v1/messages. System messages are lifted into
// the top-level system field, which is where the Messages API expects them.
func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var system []string
	msgs := make([]models.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}

	var resp messagesResponse
	err := upstream.PostJSON(ctx, p.client, p.Name(), upstream.JoinURL(p.cfg.BaseURL, "/v1/messages"),
		map[string]string{
			"x-api-key":         p.cfg.APIKey,
			"anthropic-version": apiVersion,
		},
		messagesRequest{
			Model:       model,
			System:      strings.Join(system, "\n\n"),
			Messages:    msgs,
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
		}, &resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

var _ models.TextGenerator = (*Provider)(nil)
