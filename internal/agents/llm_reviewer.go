package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/params"
	"github.com/example/design-assistant/internal/providers/llm"
)

// LLMReviewer asks a language model for a preflight review of the snapshot.
// Anything other than the expected JSON shape is reported as an error.
type LLMReviewer struct{ Client llm.Client }

type llmReview struct {
	Findings *[]models.Finding `json:"findings"`
	Summary  string            `json:"summary"`
}

func (v *LLMReviewer) Review(ctx context.Context, kind models.TaskKind, snap params.Snapshot) ([]models.Finding, string, error) {
	if v.Client == nil {
		return nil, "", errors.New("no model configured")
	}
	body, err := json.MarshalIndent(snap.Values(), "", "  ")
	if err != nil {
		return nil, "", err
	}
	raw, err := v.Client.GenerateJSON(ctx, buildReviewPrompt(kind, string(body)))
	if err != nil {
		return nil, "", err
	}
	var rv llmReview
	if err := json.Unmarshal([]byte(normalizeJSONText(raw)), &rv); err != nil {
		return nil, "", fmt.Errorf("malformed review: %w", err)
	}
	if rv.Findings == nil {
		return nil, "", errors.New("malformed review: no findings field")
	}
	findings := make([]models.Finding, 0, len(*rv.Findings))
	for _, f := range *rv.Findings {
		f.Severity = strings.ToLower(strings.TrimSpace(f.Severity))
		switch f.Severity {
		case SeverityCritical, SeverityWarning, SeverityInfo:
		default:
			f.Severity = SeverityInfo
		}
		if strings.TrimSpace(f.Message) == "" {
			continue
		}
		findings = append(findings, f)
	}
	return findings, rv.Summary, nil
}

func buildReviewPrompt(kind models.TaskKind, params string) string {
	return fmt.Sprintf(`You are an electrical engineer doing a preflight review of a %s before it is drafted.
Check, where the data allows:
1. The main circuit breaker does not exceed the main bus amps (critical).
2. Wire count is consistent with phase.
3. Circuit breakers are not loaded over 80%% of their rating.
4. Anything else that would make the deliverable wrong or unsafe.

Output ONLY JSON: {"findings": [{"severity": "critical"|"warning"|"info", "message": string}], "summary": string}
Use an empty findings array when there is nothing to report.

Parameters:
%s`, kind.Label(), params)
}
