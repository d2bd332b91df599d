package llm

import (
	"context"
	"errors"
	"os"
)

type OpenAIClient struct {
	APIKey  string
	Model   string
	BaseURL string
}

func (c *OpenAIClient) Name() string { return "openai:" + c.Model }

func (c *OpenAIClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return c.chat(ctx, prompt, 0, true)
}

func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.chat(ctx, prompt, 0.3, false)
}

func (c *OpenAIClient) chat(ctx context.Context, prompt string, temperature float64, jsonMode bool) (string, error) {
	body := map[string]any{
		"model":       c.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": temperature,
	}
	if jsonMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + c.APIKey}
	if err := postJSON(ctx, "openai", c.endpoint("/v1/chat/completions"), headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) endpoint(path string) string {
	base := c.BaseURL
	if base == "" {
		base = os.Getenv("OPENAI_API_BASE")
	}
	if base == "" {
		base = "https://api.openai.com"
	}
	return base + path
}
