// Package tools implements the function tools the assistant can call
// during generation.
package tools

import (
	"context"
	"sort"
	"strings"

	"google.golang.org/genai"

	"github.com/UtkarshKm/ai-voice-agent/pkg/core"
)

// Executor is a single callable tool.
type Executor interface {
	Name() string
	Declaration() *genai.FunctionDeclaration
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry holds the tools exposed to the model.
type Registry struct {
	byName map[string]Executor
}

// NewRegistry builds a registry from the given executors. Nil executors
// are skipped.
func NewRegistry(executors ...Executor) *Registry {
	registry := &Registry{byName: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		registry.byName[ex.Name()] = ex
	}
	return registry
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns the function declarations for every registered
// tool, in name order.
func (r *Registry) Declarations() []*genai.FunctionDeclaration {
	if r == nil {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(r.byName))
	for _, name := range r.Names() {
		decls = append(decls, r.byName[name].Declaration())
	}
	return decls
}

// Execute runs the named tool. An unregistered name yields an
// unknown-tool error for the caller to report and recover from.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if r == nil {
		return nil, core.NewUnknownToolError(name)
	}
	ex, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return nil, core.NewUnknownToolError(name)
	}
	return ex.Execute(ctx, args)
}
