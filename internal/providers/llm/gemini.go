package llm

import (
	"context"
	"errors"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient talks to Gemini through the genai SDK.
type GeminiClient struct {
	client    *genai.Client
	model     string
	jsonModel *genai.GenerativeModel
	textModel *genai.GenerativeModel
}

func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	jm := c.GenerativeModel(model)
	jm.ResponseMIMEType = "application/json"
	jm.SetTemperature(0)
	tm := c.GenerativeModel(model)
	tm.SetTemperature(0.3)
	return &GeminiClient{client: c, model: model, jsonModel: jm, textModel: tm}, nil
}

func (g *GeminiClient) Name() string { return "gemini:" + g.model }

func (g *GeminiClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return generate(ctx, g.jsonModel, prompt)
}

func (g *GeminiClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return generate(ctx, g.textModel, prompt)
}

func (g *GeminiClient) Close() error { return g.client.Close() }

func generate(ctx context.Context, m *genai.GenerativeModel, prompt string) (string, error) {
	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	txt := firstText(resp)
	if strings.TrimSpace(txt) == "" {
		return "", errors.New("gemini returned no text")
	}
	return txt, nil
}

func firstText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
