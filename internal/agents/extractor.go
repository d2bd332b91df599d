// Package agents holds the collaborators the core calls out to: intent and
// parameter extractors, the document extractor, the primary artifact
// generator and the advisory reviewers.
package agents

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/example/design-assistant/internal/models"
)

// Extraction is the uniform result of every intent extractor. Kind is empty
// when no task was detected.
type Extraction struct {
	Kind    models.TaskKind
	Updates []models.ParameterUpdate
}

// Detected reports whether the utterance named a task kind.
func (e Extraction) Detected() bool { return e.Kind != "" }

type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

// KeywordExtractor detects task kinds and panel parameters with fixed
// keyword lists and patterns. It needs no network and never fails.
type KeywordExtractor struct{}

func (k *KeywordExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	return Extraction{Kind: DetectKind(text), Updates: ExtractParameters(text)}, nil
}

// kindKeywords is checked in order, most specific first.
var kindKeywords = []struct {
	kind  models.TaskKind
	words []string
}{
	{models.KindPanelSchedule, []string{"panel schedule", "panelboard schedule", "panel board schedule", "panelboard", "panel board", "circuit schedule"}},
	{models.KindPowerPlan, []string{"power plan", "receptacle plan", "outlet plan", "power layout"}},
	{models.KindLightingPlan, []string{"lighting plan", "light plan", "fixture plan", "illumination plan"}},
	{models.KindRevitPackage, []string{"revit", "dynamo", "bim"}},
	{models.KindOneLine, []string{"one line", "oneline", "one-line", "single line"}},
}

// DetectKind returns the first task kind whose keywords appear in text.
func DetectKind(text string) models.TaskKind {
	lower := strings.ToLower(text)
	for _, kk := range kindKeywords {
		for _, w := range kk.words {
			if strings.Contains(lower, w) {
				return kk.kind
			}
		}
	}
	return ""
}

var (
	reVoltage   = regexp.MustCompile(`(?i)\b(\d{2,3}(?:Y?/\d{2,3})?)\s*v(?:olts?|oltage)?\b`)
	rePhase     = regexp.MustCompile(`(?i)(?:\bphase\s*(?:is|:)?\s*(\d|single|three|one)\b|\b(\d|single|three|one)[\s-]*phase\b)`)
	reWire      = regexp.MustCompile(`(?i)(?:\bwire\s*(?:is|:)?\s*(\d)\b|\b(\d)\s*-?\s*w(?:ire)?\b)`)
	reBusAmps   = regexp.MustCompile(`(?i)(?:main\s+bus(?:\s+amp(?:s|ere)?)?|bus\s+amp(?:s|ere)?)(?:\s+is)?[\s:]+(\d+)\s*a?`)
	reMLO       = regexp.MustCompile(`(?i)\bMLO\b|main\s+lugs?\s+only`)
	reBreaker   = regexp.MustCompile(`(?i)\b(?:main\s+breaker|mcb)\b(?:\s+(?:is|of))?[\s:]*(\d[A-Z0-9/]*)`)
	reMounting  = regexp.MustCompile(`(?i)\b(flush|surface|recess(?:ed)?)[\s-]*mount`)
	reFeed      = regexp.MustCompile(`(?i)\b(?:feed|fed)\s+from[\s:]*([A-Za-z0-9][A-Za-z0-9\-]*(?:\s[A-Za-z0-9]{1,3}\b)?)`)
	reLocation  = regexp.MustCompile(`(?i)\b(?:location(?:\s+is)?|located\s+(?:in|at))[\s:]+([^,.\n]+)`)
	reCkts      = regexp.MustCompile(`(?i)\b(\d+)\s*(?:circuits?|ckts?|spaces?)\b|number\s+of\s+(?:circuits|ckts)(?:\s+is)?[\s:]*(\d+)`)
	rePanelName = regexp.MustCompile(`(?i)\bpanel\s+(?:name\s+(?:is\s+)?|(?:is\s+)?called\s+|(?:is\s+)?named\s+|identifier\s+(?:is\s+)?)([A-Za-z0-9][A-Za-z0-9\-]*(?:\s[A-Za-z0-9]{1,3}\b)?)`)

	reCircuit      = regexp.MustCompile(`(?i)\b(?:circuit|ckt)s?\s+(\d+(?:\s*,\s*\d+)*)\s+(?:is|are)\b`)
	reCircuitDesc  = regexp.MustCompile(`(?i)\b(?:is|are)\s+(?:for\s+)?(.+?)(?:\s+(?:and\s+)?(?:is|are)\s+|\s+with\s+|\s+\d+[\s-]*p(?:ole)?\b|,|$)`)
	reCircuitPoles = regexp.MustCompile(`(?i)\b(\d)[\s-]*p(?:ole)?\b`)
	reCircuitAmps  = regexp.MustCompile(`(?i)\b(\d+)\s*a(?:mps?)?\b`)
	rePhaseAmps    = regexp.MustCompile(`(?i)(?:phase\s+amps?(?:\s+is)?\s+|per\s+phase\s+)(\d+)`)
)

const keywordConfidence = 0.8

// ExtractParameters pulls panel parameters out of free text. Each line is
// read on its own; a line describing a circuit yields a circuit.<n> entry
// and nothing else.
func ExtractParameters(text string) []models.ParameterUpdate {
	var out []models.ParameterUpdate
	seen := map[string]int{}
	add := func(key string, v any) {
		u := models.ParameterUpdate{Key: key, Value: v, Confidence: keywordConfidence}
		if i, ok := seen[key]; ok {
			out[i] = u
			return
		}
		seen[key] = len(out)
		out = append(out, u)
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if key, v, ok := extractCircuit(line); ok {
			add(key, v)
			continue
		}
		for _, u := range extractPanelSpecs(line) {
			add(u.key, u.value)
		}
	}
	return out
}

type kv struct {
	key   string
	value any
}

func extractPanelSpecs(line string) []kv {
	var out []kv
	if m := reVoltage.FindStringSubmatch(line); m != nil {
		out = append(out, kv{"voltage", strings.ToUpper(m[1]) + "V"})
	}
	if m := rePhase.FindStringSubmatch(line); m != nil {
		switch v := strings.ToLower(first(m[1], m[2])); v {
		case "three", "3":
			out = append(out, kv{"phase", "3"})
		case "single", "one", "1":
			out = append(out, kv{"phase", "1"})
		default:
			out = append(out, kv{"phase", v})
		}
	}
	if m := reWire.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(first(m[1], m[2])); err == nil {
			out = append(out, kv{"wire", n})
		}
	}
	if m := reBusAmps.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			out = append(out, kv{"main_bus_amps", n})
		}
	}
	if reMLO.MatchString(line) {
		out = append(out, kv{"main_breaker", "MLO"})
	} else if m := reBreaker.FindStringSubmatch(line); m != nil {
		out = append(out, kv{"main_breaker", strings.ToUpper(m[1])})
	}
	if m := reMounting.FindStringSubmatch(line); m != nil {
		out = append(out, kv{"mounting", strings.ToUpper(m[1])})
	}
	if m := reFeed.FindStringSubmatch(line); m != nil {
		out = append(out, kv{"feed", strings.ToUpper(strings.TrimSpace(m[1]))})
	}
	if m := reLocation.FindStringSubmatch(line); m != nil {
		out = append(out, kv{"location", titleCase(strings.TrimSpace(m[1]))})
	}
	if m := reCkts.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(first(m[1], m[2])); err == nil && n >= 18 && n <= 84 {
			if n%2 == 1 {
				n++
			}
			out = append(out, kv{"number_of_ckts", n})
		}
	}
	if m := rePanelName.FindStringSubmatch(line); m != nil {
		out = append(out, kv{"panel_name", strings.ToUpper(strings.TrimSpace(m[1]))})
	}
	return out
}

// extractCircuit reads lines such as "circuit 1,3 is lighting 2 pole 20A".
func extractCircuit(line string) (string, map[string]any, bool) {
	m := reCircuit.FindStringSubmatchIndex(line)
	if m == nil {
		return "", nil, false
	}
	nums := strings.ReplaceAll(line[m[2]:m[3]], " ", "")
	rest := line[m[3]:]
	c := map[string]any{"circuits": nums}
	if d := reCircuitDesc.FindStringSubmatch(rest); d != nil {
		if desc := strings.TrimSpace(d[1]); desc != "" {
			c["description"] = strings.ToUpper(desc)
		}
	}
	if p := reCircuitPoles.FindStringSubmatch(rest); p != nil {
		n, _ := strconv.Atoi(p[1])
		c["poles"] = n
	}
	if a := reCircuitAmps.FindStringSubmatch(rest); a != nil {
		n, _ := strconv.Atoi(a[1])
		c["breaker_amps"] = n
	}
	if a := rePhaseAmps.FindStringSubmatch(rest); a != nil {
		n, _ := strconv.Atoi(a[1])
		c["phase_amps"] = n
	}
	firstNum := strings.SplitN(nums, ",", 2)[0]
	return "circuit." + firstNum, c, true
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
