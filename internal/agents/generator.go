package agents

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/params"
)

// Generator produces the primary artifacts of a build into dir and returns
// the file names it wrote. The same snapshot must give the same files.
type Generator interface {
	Generate(ctx context.Context, kind models.TaskKind, snap params.Snapshot, dir string) ([]string, error)
}

// ScheduleGenerator writes a CSV schedule and a JSON spec for any kind.
type ScheduleGenerator struct{}

var circuitColumns = []string{"circuits", "description", "poles", "breaker_amps", "phase_amps"}

func (g *ScheduleGenerator) Generate(ctx context.Context, kind models.TaskKind, snap params.Snapshot, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values := snap.Values()

	var general, circuits []string
	for _, k := range snap.Keys() {
		if strings.HasPrefix(k, "circuit.") {
			circuits = append(circuits, k)
		} else {
			general = append(general, k)
		}
	}
	sort.SliceStable(circuits, func(i, j int) bool { return circuitNum(circuits[i]) < circuitNum(circuits[j]) })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"key", "value"})
	for _, k := range general {
		_ = w.Write([]string{k, fmt.Sprint(values[k])})
	}
	if kind == models.KindPanelSchedule && len(circuits) > 0 {
		_ = w.Write(nil)
		_ = w.Write(circuitColumns)
		for _, k := range circuits {
			row := make([]string, len(circuitColumns))
			c, _ := values[k].(map[string]any)
			for i, col := range circuitColumns {
				if v, ok := c[col]; ok {
					row[i] = fmt.Sprint(v)
				}
			}
			if row[0] == "" {
				row[0] = strings.TrimPrefix(k, "circuit.")
			}
			_ = w.Write(row)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("render schedule: %w", err)
	}

	spec, err := json.MarshalIndent(map[string]any{"kind": kind, "parameters": values}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render spec: %w", err)
	}

	files := []struct {
		name string
		body []byte
	}{
		{string(kind) + "_schedule.csv", buf.Bytes()},
		{string(kind) + "_spec.json", append(spec, '\n')},
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.body, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
		names = append(names, f.name)
	}
	return names, nil
}

func circuitNum(key string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(key, "circuit."))
	if err != nil {
		return 1 << 30
	}
	return n
}
