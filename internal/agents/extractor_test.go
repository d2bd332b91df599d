package agents

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/example/design-assistant/internal/models"
)

func TestDetectKind(t *testing.T) {
	cases := map[string]models.TaskKind{
		"build a panel schedule for LP-1":           models.KindPanelSchedule,
		"I need a power plan and a one line":        models.KindPowerPlan,
		"lighting plan for level 2":                 models.KindLightingPlan,
		"export a Revit package":                    models.KindRevitPackage,
		"draw the single line diagram":              models.KindOneLine,
		"panelboard schedule with the one-line too": models.KindPanelSchedule,
		"hello there":                               "",
	}
	for text, want := range cases {
		if got := DetectKind(text); got != want {
			t.Errorf("DetectKind(%q) = %q, want %q", text, got, want)
		}
	}
}

func values(updates []models.ParameterUpdate) map[string]any {
	out := map[string]any{}
	for _, u := range updates {
		out[u.Key] = u.Value
	}
	return out
}

func TestExtractParameters_PanelSpecs(t *testing.T) {
	got := values(ExtractParameters("panel name is LP-1A, 480Y/277V 3 phase 4 wire, main bus amps 225, main breaker 200A, surface mount, fed from MDP, 41 circuits, location is Electrical Room 101"))
	want := map[string]any{
		"panel_name":     "LP-1A",
		"voltage":        "480Y/277V",
		"phase":          "3",
		"wire":           4,
		"main_bus_amps":  225,
		"main_breaker":   "200A",
		"mounting":       "SURFACE",
		"feed":           "MDP",
		"number_of_ckts": 42,
		"location":       "Electrical Room 101",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got  %v\nwant %v", got, want)
	}
}

func TestExtractParameters_MLOAndSinglePhase(t *testing.T) {
	got := values(ExtractParameters("single phase 3 wire 120/240 volts MLO"))
	if got["phase"] != "1" || got["wire"] != 3 || got["voltage"] != "120/240V" || got["main_breaker"] != "MLO" {
		t.Fatalf("got %v", got)
	}
}

func TestExtractParameters_CircuitLine(t *testing.T) {
	got := values(ExtractParameters("circuit 1,3 is lighting 2 pole 20A phase amp is 18"))
	c, ok := got["circuit.1"].(map[string]any)
	if !ok || len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	want := map[string]any{"circuits": "1,3", "description": "LIGHTING", "poles": 2, "breaker_amps": 20, "phase_amps": 18}
	if !reflect.DeepEqual(c, want) {
		t.Fatalf("circuit = %v, want %v", c, want)
	}
}

func TestExtractParameters_CircuitCountOutOfRangeIgnored(t *testing.T) {
	if v, ok := values(ExtractParameters("make it 100 circuits"))["number_of_ckts"]; ok {
		t.Fatalf("number_of_ckts = %v, want absent", v)
	}
}

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return f.reply, f.err
}

func (f *fakeLLM) GenerateText(ctx context.Context, prompt string) (string, error) {
	return f.reply, f.err
}

func (f *fakeLLM) Name() string { return "fake" }

func TestLLMExtractor(t *testing.T) {
	x := &LLMExtractor{Client: &fakeLLM{reply: "```json\n{\"task_kind\":\"one_line\",\"parameters\":[{\"key\":\"project\",\"value\":\"Tower B\",\"confidence\":0.9}]}\n```"}}
	got, err := x.Extract(context.Background(), "start a one line for tower b")
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != models.KindOneLine || len(got.Updates) != 1 || got.Updates[0].Value != "Tower B" {
		t.Fatalf("got %+v", got)
	}
}

func TestLLMExtractor_FallsBackToKeywords(t *testing.T) {
	for name, client := range map[string]*fakeLLM{
		"error":     {err: errors.New("boom")},
		"malformed": {reply: "sure! here you go"},
		"empty":     {reply: `{"task_kind":"","parameters":[]}`},
		"bad kind":  {reply: `{"task_kind":"garage"}`},
	} {
		t.Run(name, func(t *testing.T) {
			x := &LLMExtractor{Client: client}
			got, err := x.Extract(context.Background(), "panel schedule 208V")
			if err != nil {
				t.Fatal(err)
			}
			if got.Kind != models.KindPanelSchedule || values(got.Updates)["voltage"] != "208V" {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	got := extractJSONObject(`noise {"a":"}{","b":{"c":1}} tail`)
	if got != `{"a":"}{","b":{"c":1}}` {
		t.Fatalf("got %q", got)
	}
}
