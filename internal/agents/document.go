package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/example/design-assistant/internal/models"
	"github.com/example/design-assistant/internal/tools"
)

// DocumentExtractor turns one uploaded file into parameter updates using
// the document tools.
type DocumentExtractor struct {
	Registry *tools.Registry
}

// FileResult is the per-file outcome of an upload batch.
type FileResult struct {
	Name    string   `json:"name"`
	OK      bool     `json:"ok"`
	Error   string   `json:"error,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	Logs    string   `json:"logs,omitempty"`
	updates []models.ParameterUpdate
}

// Updates returns the parameter updates extracted from the file.
func (r FileResult) Updates() []models.ParameterUpdate { return r.updates }

// ExtractFile reads path and returns the parameters found in it.
func (d *DocumentExtractor) ExtractFile(ctx context.Context, path string) ([]models.ParameterUpdate, string, error) {
	if d.Registry == nil {
		return nil, "", errors.New("tool registry not set")
	}
	out, logs, err := d.Registry.Run(ctx, "file_extract", map[string]any{"path": path})
	if err != nil {
		return nil, logs, err
	}
	doc, ok := out.(tools.Document)
	if !ok {
		return nil, logs, fmt.Errorf("file_extract returned %T", out)
	}
	var updates []models.ParameterUpdate
	switch doc.Kind {
	case tools.DocCSV:
		updates, err = d.fromCSV(ctx, doc.Text)
	case tools.DocJSON:
		updates, err = fromJSON(doc.Text)
	default:
		updates = ExtractParameters(doc.Text)
	}
	if err != nil {
		return nil, logs, err
	}
	for i := range updates {
		updates[i].Source = models.SourceExtraction
	}
	return updates, logs, nil
}

// Extract runs ExtractFile for one named file and folds the outcome into a
// FileResult. It never returns an error.
func (d *DocumentExtractor) Extract(ctx context.Context, name, path string) FileResult {
	updates, logs, err := d.ExtractFile(ctx, path)
	res := FileResult{Name: name, Logs: logs}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.updates = updates
	for _, u := range updates {
		res.Keys = append(res.Keys, u.Key)
	}
	return res
}

// fromCSV accepts either a key,value sheet or a circuit table with a
// circuit (or ckt) column.
func (d *DocumentExtractor) fromCSV(ctx context.Context, text string) ([]models.ParameterUpdate, error) {
	out, _, err := d.Registry.Run(ctx, "csv_parse", map[string]any{"csv": text})
	if err != nil {
		return nil, err
	}
	rows, _ := out.([]map[string]string)
	var updates []models.ParameterUpdate
	for _, row := range rows {
		if k, ok := row["key"]; ok {
			if k = strings.TrimSpace(k); k != "" && row["value"] != "" {
				updates = append(updates, models.ParameterUpdate{Key: k, Value: typed(row["value"]), Confidence: 1})
			}
			continue
		}
		num := first(row["circuit"], row["ckt"], row["circuits"])
		if num == "" {
			continue
		}
		c := map[string]any{"circuits": strings.ReplaceAll(num, " ", "")}
		for col, v := range row {
			switch col {
			case "circuit", "ckt", "circuits":
			default:
				if v != "" {
					c[col] = typed(v)
				}
			}
		}
		key := "circuit." + strings.SplitN(c["circuits"].(string), ",", 2)[0]
		updates = append(updates, models.ParameterUpdate{Key: key, Value: c, Confidence: 1})
	}
	if len(rows) > 0 && len(updates) == 0 {
		return nil, errors.New("csv has neither key,value columns nor a circuit column")
	}
	return updates, nil
}

func fromJSON(text string) ([]models.ParameterUpdate, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("json upload must be an object of parameters: %w", err)
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	updates := make([]models.ParameterUpdate, 0, len(obj))
	for _, k := range keys {
		v := obj[k]
		if v == nil {
			continue
		}
		updates = append(updates, models.ParameterUpdate{Key: k, Value: v, Confidence: 1})
	}
	return updates, nil
}

// typed turns integer-looking cells into ints.
func typed(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}
