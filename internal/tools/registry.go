// Package tools converts uploaded documents into text and rows for the
// document extractor.
package tools

import (
	"context"
	"fmt"
	"sort"
)

type Tool interface {
	Name() string
	Execute(ctx context.Context, inputs map[string]any) (output any, logs string, err error)
}

type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// NewDefaultRegistry registers every document tool.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&PDFExtractTool{})
	r.Register(&HTMLToTextTool{})
	r.Register(&CSVParseTool{})
	r.Register(&FileExtractTool{Registry: r})
	return r
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Run executes a registered tool by name.
func (r *Registry) Run(ctx context.Context, name string, inputs map[string]any) (any, string, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Execute(ctx, inputs)
}
