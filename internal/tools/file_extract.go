package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Document kinds reported by FileExtractTool.
const (
	DocPDF  = "pdf"
	DocHTML = "html"
	DocCSV  = "csv"
	DocJSON = "json"
	DocText = "text"
)

// ErrUnsupported is returned for file types that have no text layer we can
// read, such as photos.
var ErrUnsupported = errors.New("unsupported file type; provide PDF/HTML/text/CSV/JSON")

// FileExtractTool reads an uploaded file and converts it to text.
// Inputs:
// - path: string (required)
// - max_bytes: number (optional; default FILE_MAX_BYTES or 20MB)
// Output: Document
type FileExtractTool struct{ Registry *Registry }

// Document is the text form of one uploaded file.
type Document struct {
	Kind string
	Text string
}

func (t *FileExtractTool) Name() string { return "file_extract" }

func (t *FileExtractTool) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	path, _ := inputs["path"].(string)
	if path == "" {
		return nil, "", fmt.Errorf("missing path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}
	max := getInt(inputs, "max_bytes", envInt("FILE_MAX_BYTES", 20*1024*1024))
	if info.Size() > int64(max) {
		return nil, "", fmt.Errorf("file too large: %d bytes > limit %d", info.Size(), max)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))

	if strings.HasPrefix(string(buf), "%PDF-") || ext == "pdf" {
		out, logs, err := t.delegate(ctx, "pdf_extract", map[string]any{"path": path})
		if err != nil {
			return nil, logs, err
		}
		s, _ := out.(string)
		return Document{Kind: DocPDF, Text: s}, prependLog("pdf", logs), nil
	}

	looksHTML := ext == "html" || ext == "htm"
	if !looksHTML {
		head := strings.ToLower(string(buf[:min(len(buf), 512)]))
		looksHTML = strings.Contains(head, "<html") || strings.Contains(head, "<body")
	}
	if looksHTML {
		out, logs, err := t.delegate(ctx, "html_to_text", map[string]any{"html": string(buf)})
		if err != nil {
			return nil, logs, err
		}
		s, _ := out.(string)
		return Document{Kind: DocHTML, Text: s}, prependLog("html", logs), nil
	}

	text := strings.TrimSpace(string(buf))
	switch ext {
	case "csv":
		return Document{Kind: DocCSV, Text: text}, fmt.Sprintf("csv len=%d", len(text)), nil
	case "json":
		return Document{Kind: DocJSON, Text: text}, fmt.Sprintf("json len=%d", len(text)), nil
	case "txt", "md", "markdown", "log", "yaml", "yml", "":
		if isText(buf) {
			return Document{Kind: DocText, Text: text}, fmt.Sprintf("plain ext=%s len=%d", ext, len(text)), nil
		}
	}
	return nil, "", ErrUnsupported
}

func (t *FileExtractTool) delegate(ctx context.Context, name string, inputs map[string]any) (any, string, error) {
	if t.Registry == nil {
		return nil, "", errors.New("registry not set")
	}
	return t.Registry.Run(ctx, name, inputs)
}

// isText reports whether b has no NUL bytes in its first 8KB.
func isText(b []byte) bool {
	for _, c := range b[:min(len(b), 8192)] {
		if c == 0 {
			return false
		}
	}
	return true
}

func prependLog(kind, logs string) string {
	if logs == "" {
		return kind
	}
	return kind + " " + logs
}
