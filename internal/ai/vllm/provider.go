package vllm

import (
	"github.com/kiranshivaraju/feedlens/internal/ai/openai"
	"github.com/kiranshivaraju/feedlens/internal/config"
)

// NewProvider returns a text generator for a vLLM server. vLLM speaks the OpenAI
// Chat Completions protocol, so the OpenAI provider is reused under its own name.
func NewProvider(cfg config.VLLMConfig, opts ...openai.Option) *openai.Provider {
	opts = append([]openai.Option{openai.WithName("vllm")}, opts...)
	return openai.NewProvider(config.OpenAIConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
	}, opts...)
}
