package llm

import (
	"context"
	"strings"
)

// MockClient is used when no real provider is configured. It returns empty
// structured answers so callers fall back to their offline behaviour.
type MockClient struct{}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, `"findings"`) {
		return `{"findings":[],"summary":"no model configured; review not performed by a model"}`, nil
	}
	return `{}`, nil
}

func (m *MockClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return "", nil
}
