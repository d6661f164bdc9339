// Package tools holds the registry of callable tools that the reasoning
// loop exposes to the model. Tools are either built in (implemented in
// this process) or bridged from an external tool server.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Handler executes a tool with decoded arguments and returns its raw
// text result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool describes one callable tool. Args maps argument names to a short
// type hint ("number", "string") shown to the model; Returns describes
// the result shape.
type Tool struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Args        map[string]string `json:"args"`
	Returns     string            `json:"returns,omitempty"`

	// Server names the tool server that owns this tool. Empty for
	// built-in tools.
	Server  string  `json:"-"`
	Handler Handler `json:"-"`
}

// ExecHook observes every Execute call. Used for metrics.
type ExecHook func(tool *Tool, elapsed time.Duration, err error)

// Registry holds the available tools in registration order.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	hook   ExecHook
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// SetHook installs fn as the execution observer.
func (r *Registry) SetHook(fn ExecHook) {
	r.mu.Lock()
	r.hook = fn
	r.mu.Unlock()
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	} else {
		r.logger.Warn("replacing registered tool", "tool", t.Name, "server", t.Server)
	}
	r.tools[t.Name] = t
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns the named tool or *ErrUnknownTool.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrUnknownTool{Name: name}
	}
	return t, nil
}

// Catalogue returns the tools in registration order.
func (r *Registry) Catalogue() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.tools[name])
	}
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Execute runs the named tool. A missing tool yields *ErrUnknownTool;
// handler errors are returned as-is for the caller to classify.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, err := r.Get(name)
	if err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}

	r.mu.RLock()
	hook := r.hook
	r.mu.RUnlock()

	start := time.Now()
	out, err := t.Handler(ctx, args)
	if hook != nil {
		hook(t, time.Since(start), err)
	}
	return out, err
}

// Outcome converts a tool's text result and error into the structured
// value recorded for the model: {"error": msg} on failure, the decoded
// object when the text is a JSON object, and {"result": text} otherwise.
func Outcome(text string, err error) map[string]any {
	if err != nil {
		return map[string]any{"error": err.Error()}
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if json.Unmarshal([]byte(trimmed), &obj) == nil {
			return obj
		}
	}
	return map[string]any{"result": text}
}

// ArgFloat reads a numeric argument that the model may have sent as a
// number or a numeric string.
func ArgFloat(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscan(strings.TrimSpace(v), &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
