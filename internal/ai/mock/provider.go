// Package mock provides scriptable text generators for tests.
package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/feedlens/pkg/models"
)

// MockGenerator satisfies models.TextGenerator and records every request it receives.
type MockGenerator struct {
	Name_        string
	CompleteFunc func(ctx context.Context, req models.CompletionRequest) (string, error)

	mu       sync.Mutex
	requests []models.CompletionRequest
}

func (m *MockGenerator) Name() string { return m.Name_ }

func (m *MockGenerator) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return "", nil
}

// Calls returns how many times Complete was invoked.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the received requests in arrival order.
func (m *MockGenerator) Requests() []models.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastPrompt returns the content of the final message of the most recent request.
func (m *MockGenerator) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return ""
	}
	msgs := m.requests[len(m.requests)-1].Messages
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

// NewMockGenerator returns a MockGenerator that always answers with text.
func NewMockGenerator(text string) *MockGenerator {
	return &MockGenerator{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			return text, nil
		},
	}
}

// NewSequenceGenerator answers with each response in turn and repeats the last
// one once the list is exhausted.
func NewSequenceGenerator(responses ...string) *MockGenerator {
	var (
		mu sync.Mutex
		i  int
	)
	return &MockGenerator{
		Name_: "mock-sequence",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(responses) == 0 {
				return "", nil
			}
			r := responses[min(i, len(responses)-1)]
			i++
			return r, nil
		},
	}
}

// NewFailingGenerator returns a MockGenerator that always returns the given error.
func NewFailingGenerator(err error) *MockGenerator {
	return &MockGenerator{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutGenerator returns a MockGenerator that blocks until its context ends.
func NewTimeoutGenerator() *MockGenerator {
	return &MockGenerator{
		Name_: "mock-timeout",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
}

// Compile-time check that MockGenerator implements TextGenerator.
var _ models.TextGenerator = (*MockGenerator)(nil)
