package ollama

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/feedlens/internal/ai/upstream"
	"github.com/kiranshivaraju/feedlens/internal/config"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

// Provider implements models.TextGenerator using Ollama's /api/chat endpoint.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

type Option func(*Provider)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func NewProvider(cfg config.OllamaConfig, opts ...Option) *Provider {
	p := &Provider{cfg: cfg, client: upstream.NewHTTPClient()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "ollama" }

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  chatOptions      `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Message models.Message `json:"message"`
	Done    bool           `json:"done"`
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	var resp chatResponse
	err := upstream.PostJSON(ctx, p.client, p.Name(), upstream.JoinURL(p.cfg.BaseURL, "/api/chat"), nil,
		chatRequest{
			Model:    model,
			Messages: req.Messages,
			Stream:   false,
			Options: chatOptions{
				Temperature: req.Temperature,
				NumPredict:  req.MaxTokens,
			},
		}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

var _ models.TextGenerator = (*Provider)(nil)
