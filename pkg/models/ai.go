// Package models contains shared data models used across the FeedLens codebase.
package models

import "context"

// Message roles understood by every text-generation backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TextGenerator is the core interface that all text-generation backends implement.
// Callers go through ai.Gateway rather than a backend directly.
type TextGenerator interface {
	// Complete sends an ordered list of role-tagged messages and returns the generated text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Name returns the backend identifier (e.g., "anthropic", "openai").
	Name() string
}

// Message is one role-tagged prompt message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a single text-generation call.
type CompletionRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}
