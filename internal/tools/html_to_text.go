package tools

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLToTextTool flattens an HTML submittal or cut sheet to plain text.
// Each table row becomes one line with its cells separated by a space, so a
// "Voltage | 480Y/277V" row reads the same as typed text.
// Inputs:
// - html: string (required)
// Output: string
type HTMLToTextTool struct{}

func (t *HTMLToTextTool) Name() string { return "html_to_text" }

func (t *HTMLToTextTool) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	src, _ := inputs["html"].(string)
	if strings.TrimSpace(src) == "" {
		return "", "", nil
	}
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", "", err
	}
	w := &htmlWalker{}
	w.walk(root, false)
	logs := fmt.Sprintf("table_rows=%d", w.rows)
	if w.title != "" {
		logs = fmt.Sprintf("title=%q %s", w.title, logs)
	}
	return compactLines(w.b.String()), logs, nil
}

type htmlWalker struct {
	b     strings.Builder
	title string
	rows  int
}

func (w *htmlWalker) walk(n *html.Node, hidden bool) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			hidden = true
		case atom.Title:
			if n.FirstChild != nil {
				w.title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		case atom.Tr:
			w.rows++
			w.b.WriteString("\n")
		case atom.Td, atom.Th:
			w.b.WriteString(" ")
		case atom.Br, atom.P, atom.Div, atom.Li, atom.Table, atom.H1, atom.H2, atom.H3, atom.H4, atom.Dt:
			w.b.WriteString("\n")
		}
	}
	if !hidden && n.Type == html.TextNode {
		w.b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, hidden)
	}
}

// compactLines collapses runs of whitespace inside lines and drops blank
// lines.
func compactLines(s string) string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}
