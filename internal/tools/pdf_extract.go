package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pdfx "github.com/ledongthuc/pdf"
)

// PDFExtractTool reads the text layer of a PDF on disk.
// Inputs:
// - path: string (required)
// - pages: string (optional; e.g. "1-3,7")
// - max_pages: number (optional; default PDF_MAX_PAGES or 20)
// Output: string
type PDFExtractTool struct{}

func (t *PDFExtractTool) Name() string { return "pdf_extract" }

func (t *PDFExtractTool) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	path, _ := inputs["path"].(string)
	if path == "" {
		return nil, "", fmt.Errorf("missing path")
	}
	maxPages := getInt(inputs, "max_pages", envInt("PDF_MAX_PAGES", 20))
	deadline := time.Now().Add(time.Duration(envInt("PDF_TIMEOUT_MS", 60000)) * time.Millisecond)

	f, r, err := pdfx.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	totalPages := r.NumPage()
	pagesSpec, _ := inputs["pages"].(string)
	selected := expandPages(pagesSpec, totalPages)
	if len(selected) == 0 {
		for i := 1; i <= totalPages; i++ {
			selected = append(selected, i)
		}
	}
	if len(selected) > maxPages {
		selected = selected[:maxPages]
	}

	var out strings.Builder
	for _, page := range selected {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		if time.Now().After(deadline) {
			return nil, "", errors.New("pdf extraction timeout")
		}
		p := r.Page(page)
		if p.V.IsNull() {
			continue
		}
		txt, _ := p.GetPlainText(nil)
		if s := strings.TrimSpace(txt); s != "" {
			out.WriteString(s)
			out.WriteString("\n\n")
		}
	}
	text := strings.TrimSpace(out.String())
	return text, fmt.Sprintf("pages=%d/%d", len(selected), totalPages), nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt(m map[string]any, key string, def int) int {
	if v, ok := m[key]; ok {
		switch t := v.(type) {
		case float64:
			return int(t)
		case int:
			return t
		case string:
			if n, err := strconv.Atoi(t); err == nil {
				return n
			}
		}
	}
	return def
}

func expandPages(spec string, total int) []int {
	var out []int
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return out
	}
	seen := map[int]struct{}{}
	add := func(n int) {
		if n >= 1 && n <= total {
			if _, ok := seen[n]; !ok {
				out = append(out, n)
				seen[n] = struct{}{}
			}
		}
	}
	for _, p := range strings.Split(spec, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "-") {
			rng := strings.SplitN(p, "-", 2)
			a, _ := strconv.Atoi(strings.TrimSpace(rng[0]))
			b, _ := strconv.Atoi(strings.TrimSpace(rng[1]))
			if a > b {
				a, b = b, a
			}
			for i := a; i <= b; i++ {
				add(i)
			}
		} else {
			n, _ := strconv.Atoi(p)
			add(n)
		}
	}
	return out
}
