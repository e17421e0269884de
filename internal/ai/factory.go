package ai

import (
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/feedlens/internal/ai/anthropic"
	"github.com/kiranshivaraju/feedlens/internal/ai/ollama"
	"github.com/kiranshivaraju/feedlens/internal/ai/openai"
	"github.com/kiranshivaraju/feedlens/internal/ai/upstream"
	"github.com/kiranshivaraju/feedlens/internal/ai/vllm"
	"github.com/kiranshivaraju/feedlens/internal/config"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

// NewProvider constructs the text-generation backend selected by config.
// It returns ErrUnconfigured when the selected provider lacks its credential, so
// callers can build a gateway with a nil provider instead.
func NewProvider(cfg config.AIConfig) (models.TextGenerator, error) {
	if !validProvider(cfg.Provider) {
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic", cfg.Provider)
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("provider %s: %w", cfg.Provider, ErrUnconfigured)
	}

	client := providerClient(cfg)
	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama, ollama.WithHTTPClient(client)), nil
	case "vllm":
		return vllm.NewProvider(cfg.VLLM, openai.WithHTTPClient(client)), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI, openai.WithHTTPClient(client)), nil
	default:
		return anthropic.NewProvider(cfg.Anthropic, anthropic.WithHTTPClient(client)), nil
	}
}

func validProvider(name string) bool {
	switch name {
	case "ollama", "vllm", "openai", "anthropic":
		return true
	}
	return false
}

// providerClient is a transport-level backstop. The gateway's per-request
// deadline is what normally ends a slow call, so the client timeout never
// undercuts it.
func providerClient(cfg config.AIConfig) *http.Client {
	client := upstream.NewHTTPClient()
	if cfg.RequestTimeout > client.Timeout {
		client.Timeout = cfg.RequestTimeout
	}
	return client
}
