package tools

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CSVParseTool converts CSV text into row objects.
// Inputs:
// - csv: string (required)
// - delimiter: string, one rune (optional; default ',')
// - has_header: bool (optional; default true)
// Output: []map[string]string keyed by lower-cased header
type CSVParseTool struct{}

func (t *CSVParseTool) Name() string { return "csv_parse" }

func (t *CSVParseTool) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	raw, _ := inputs["csv"].(string)
	if strings.TrimSpace(raw) == "" {
		return []map[string]string{}, "", nil
	}
	rdr := csv.NewReader(strings.NewReader(raw))
	// allow ragged rows
	rdr.FieldsPerRecord = -1
	rdr.TrimLeadingSpace = true
	if d, ok := inputs["delimiter"].(string); ok && d != "" {
		r := []rune(d)
		if len(r) != 1 {
			return nil, "", fmt.Errorf("delimiter must be a single character")
		}
		rdr.Comma = r[0]
	}
	hasHeader := true
	if b, ok := inputs["has_header"].(bool); ok {
		hasHeader = b
	}

	var headers []string
	if hasHeader {
		h, err := rdr.Read()
		if err != nil {
			return nil, "", err
		}
		for _, v := range h {
			headers = append(headers, strings.ToLower(strings.TrimSpace(v)))
		}
	}

	out := make([]map[string]string, 0, 64)
	for {
		rec, err := rdr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out, "", err
		}
		if len(headers) == 0 {
			headers = make([]string, len(rec))
			for i := range rec {
				headers[i] = fmt.Sprintf("c%d", i+1)
			}
		}
		row := map[string]string{}
		for i := range headers {
			var v string
			if i < len(rec) {
				v = strings.TrimSpace(rec[i])
			}
			row[headers[i]] = v
		}
		out = append(out, row)
	}
	return out, fmt.Sprintf("rows=%d cols=%d", len(out), len(headers)), nil
}
