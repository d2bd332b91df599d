package orchestrator

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/design-assistant/internal/config"
	"github.com/example/design-assistant/internal/params"
)

// validateSnapshot checks a snapshot against the declared field specs and
// returns a *ValidationError naming every offending key, or nil.
func validateSnapshot(snap params.Snapshot, specs []config.FieldSpec) error {
	var problems []FieldProblem
	for _, s := range specs {
		v, ok := snap.Value(s.Key)
		if !ok || isBlank(v) {
			if s.Required {
				problems = append(problems, FieldProblem{Key: s.Key, Reason: "missing"})
			}
			continue
		}
		if reason := checkField(s, v); reason != "" {
			problems = append(problems, FieldProblem{Key: s.Key, Reason: reason})
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func checkField(s config.FieldSpec, v any) string {
	switch s.Type {
	case config.TypeString:
		return ""
	case config.TypeEnum:
		got := strings.ToUpper(strings.TrimSpace(fmt.Sprint(v)))
		if f, ok := toNumber(v); ok && f == math.Trunc(f) {
			got = strconv.FormatInt(int64(f), 10)
		}
		for _, e := range s.Enum {
			if strings.ToUpper(e) == got {
				return ""
			}
		}
		return fmt.Sprintf("must be one of %s", strings.Join(s.Enum, ", "))
	case config.TypeInt, config.TypeNumber:
		f, ok := toNumber(v)
		if !ok {
			return "not a number"
		}
		if s.Type == config.TypeInt && f != math.Trunc(f) {
			return "not an integer"
		}
		if s.Min != nil && f < *s.Min {
			return fmt.Sprintf("below minimum %g", *s.Min)
		}
		if s.Max != nil && f > *s.Max {
			return fmt.Sprintf("above maximum %g", *s.Max)
		}
		if s.Even && math.Mod(f, 2) != 0 {
			return "must be even"
		}
		return ""
	}
	return fmt.Sprintf("unknown type %q", s.Type)
}

// toNumber accepts finite numeric values and numeric strings such as
// "225" or "225A". NaN and infinities are not numbers here.
func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		f = n
	case float32:
		f = float64(n)
	case string:
		s := strings.TrimSpace(strings.TrimRight(strings.ToUpper(strings.TrimSpace(n)), "AV"))
		var err error
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
