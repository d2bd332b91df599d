package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/providers/llm"
)

// LLMExtractor asks a language model for the task kind and parameters. Any
// provider error or unusable answer falls back to the keyword extractor, so
// callers see the same contract either way.
type LLMExtractor struct {
	Client   llm.Client
	Fallback Extractor
}

type llmParam struct {
	Key        string  `json:"key"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

type llmExtraction struct {
	TaskKind   string     `json:"task_kind"`
	Parameters []llmParam `json:"parameters"`
}

func (x *LLMExtractor) fallback(ctx context.Context, text string) (Extraction, error) {
	if x.Fallback == nil {
		return (&KeywordExtractor{}).Extract(ctx, text)
	}
	return x.Fallback.Extract(ctx, text)
}

func (x *LLMExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	if x.Client == nil {
		return x.fallback(ctx, text)
	}
	raw, err := x.Client.GenerateJSON(ctx, buildExtractPrompt(text))
	if err != nil || strings.TrimSpace(raw) == "" {
		if os.Getenv("LLM_DEBUG") == "1" && err != nil {
			log.Printf("extractor: generate error: %v", err)
		}
		return x.fallback(ctx, text)
	}
	var parsed llmExtraction
	body := normalizeJSONText(raw)
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		if os.Getenv("LLM_DEBUG") == "1" {
			log.Printf("extractor: json unmarshal failed, raw=%.200q err=%v", body, err)
		}
		return x.fallback(ctx, text)
	}
	out := Extraction{}
	if k := models.TaskKind(strings.ToLower(strings.TrimSpace(parsed.TaskKind))); k.Valid() {
		out.Kind = k
	}
	for _, p := range parsed.Parameters {
		key := strings.TrimSpace(p.Key)
		if key == "" || p.Value == nil {
			continue
		}
		out.Updates = append(out.Updates, models.ParameterUpdate{Key: key, Value: p.Value, Confidence: p.Confidence})
	}
	if !out.Detected() && len(out.Updates) == 0 {
		return x.fallback(ctx, text)
	}
	return out, nil
}

func buildExtractPrompt(text string) string {
	kinds := make([]string, 0, len(models.Kinds))
	for _, k := range models.Kinds {
		kinds = append(kinds, string(k))
	}
	return fmt.Sprintf(`You extract electrical design parameters from one user utterance.
Output ONLY a JSON object, no prose, no code fences.

Schema: {"task_kind": %s or "", "parameters": [{"key": string, "value": string|number, "confidence": number 0..1}]}

Rules:
- Set task_kind only if the user asks to start one of those deliverables; otherwise "".
- Known keys: voltage (e.g. "480Y/277V"), phase ("1" or "3"), wire (2..4), main_bus_amps (number),
  main_breaker ("MLO" or a rating like "225A"), mounting (FLUSH|SURFACE|RECESSED), feed, location,
  number_of_ckts (even, 18..84), panel_name, project.
- A circuit description becomes key "circuit.<first circuit number>" with an object value
  {"circuits": "1,3", "description": string, "poles": number, "breaker_amps": number}.
- Leave out anything the user did not say.

Utterance: %s`, strings.Join(kinds, "|"), text)
}

func normalizeJSONText(s string) string {
	t := strings.TrimSpace(s)
	// Strip code fences like ```json ... ```
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if idx := strings.IndexByte(t, '\n'); idx != -1 {
			t = t[idx+1:]
		}
		if j := strings.LastIndex(t, "```"); j != -1 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}
	if !strings.HasPrefix(t, "{") {
		if obj := extractJSONObject(t); obj != "" {
			return obj
		}
	}
	return t
}

// extractJSONObject returns the first balanced {...} in s, ignoring braces
// inside strings.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
		case inStr && c == '\\':
			esc = true
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
