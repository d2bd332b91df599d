package agents

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/params"
)

// Reviewer inspects a validated snapshot and reports advisory findings.
// Errors are never fatal to a build.
type Reviewer interface {
	Review(ctx context.Context, kind models.TaskKind, snap params.Snapshot) ([]models.Finding, string, error)
}

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// RulesReviewer runs fixed preflight checks on panel parameters.
type RulesReviewer struct{}

var reAmps = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*A(F|T)?`)

func (r *RulesReviewer) Review(ctx context.Context, kind models.TaskKind, snap params.Snapshot) ([]models.Finding, string, error) {
	if kind != models.KindPanelSchedule {
		return nil, "No automated checks for " + kind.Label() + ".", nil
	}
	var out []models.Finding
	add := func(sev, format string, args ...any) {
		out = append(out, models.Finding{Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	bus, hasBus := number(snap, "main_bus_amps")
	if v, ok := snap.Value("main_breaker"); ok && hasBus {
		if mcb, ok := breakerAmps(fmt.Sprint(v)); ok && mcb > bus {
			add(SeverityCritical, "Main breaker %gA exceeds main bus rating %gA.", mcb, bus)
		}
	}

	phase, _ := snap.Value("phase")
	wire, hasWire := number(snap, "wire")
	if fmt.Sprint(phase) == "3" && hasWire && wire < 4 {
		add(SeverityInfo, "3-phase %g-wire service has no neutral; confirm the system is delta/ungrounded.", wire)
	}

	if n, ok := number(snap, "number_of_ckts"); ok && int(n)%2 != 0 {
		add(SeverityWarning, "number_of_ckts %g is odd; panelboards are built with an even number of spaces.", n)
	}

	var circuits []string
	for _, k := range snap.Keys() {
		if strings.HasPrefix(k, "circuit.") {
			circuits = append(circuits, k)
		}
	}
	sort.SliceStable(circuits, func(i, j int) bool { return circuitNum(circuits[i]) < circuitNum(circuits[j]) })
	for _, k := range circuits {
		v, _ := snap.Value(k)
		c, ok := v.(map[string]any)
		if !ok {
			continue
		}
		load, okL := toFloat(c["phase_amps"])
		brk, okB := toFloat(c["breaker_amps"])
		if okL && okB && brk > 0 && load > 0.8*brk {
			add(SeverityWarning, "Circuit %s carries %gA on a %gA breaker, over 80%% of its rating.", strings.TrimPrefix(k, "circuit."), load, brk)
		}
	}

	if len(out) == 0 {
		return nil, "No issues found.", nil
	}
	return out, fmt.Sprintf("%d finding(s).", len(out)), nil
}

// breakerAmps reads ratings like "225A", "225" or "100AF/70AT". For an
// AF/AT pair the trip rating is used. MLO has no rating.
func breakerAmps(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "MLO") || s == "" {
		return 0, false
	}
	var frame, trip float64
	var gotFrame, gotTrip bool
	for _, m := range reAmps.FindAllStringSubmatch(s, -1) {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		switch strings.ToUpper(m[2]) {
		case "T":
			trip, gotTrip = f, true
		default:
			if !gotFrame {
				frame, gotFrame = f, true
			}
		}
	}
	if gotTrip {
		return trip, true
	}
	if gotFrame {
		return frame, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func number(snap params.Snapshot, key string) (float64, bool) {
	v, ok := snap.Value(key)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		f = n
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimRight(strings.ToUpper(strings.TrimSpace(n)), "A"), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	return f, !math.IsNaN(f) && !math.IsInf(f, 0)
}
