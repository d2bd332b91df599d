package llm

import (
	"context"
	"errors"
	"os"
)

type AnthropicClient struct {
	APIKey string
	Model  string
}

func (c *AnthropicClient) Name() string { return "anthropic:" + c.Model }

func (c *AnthropicClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return c.message(ctx, prompt+"\n\nRespond with JSON only.")
}

func (c *AnthropicClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.message(ctx, prompt)
}

func (c *AnthropicClient) message(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"model":      c.Model,
		"max_tokens": 1024,
		"messages": []map[string]any{{
			"role":    "user",
			"content": []map[string]string{{"type": "text", "text": prompt}},
		}},
	}
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	url := os.Getenv("ANTHROPIC_API_URL")
	if url == "" {
		url = "https://api.anthropic.com/v1/messages"
	}
	headers := map[string]string{"x-api-key": c.APIKey, "anthropic-version": "2023-06-01"}
	if err := postJSON(ctx, "anthropic", url, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", errors.New("no content")
	}
	return resp.Content[0].Text, nil
}
