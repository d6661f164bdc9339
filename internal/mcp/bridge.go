package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/Swastikphadke/Spectra/internal/tools"
)

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

// BridgeTools registers the tools of every configured server in registry.
// Tools keep their own names so the model sees "calculate_ndvi" rather
// than a prefixed alias; a name already taken falls back to
// "{server}_{tool}". Servers that cannot be listed are skipped with a
// warning. It returns the number of tools registered.
func BridgeTools(ctx context.Context, m *Manager, registry *tools.Registry, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	count := 0
	for _, server := range m.Servers() {
		cfg := m.sessions[server].cfg

		defs, err := m.Tools(ctx, server)
		if err != nil {
			logger.Warn("skipping tools from unavailable server", "tool_server", server, "error", err)
			continue
		}

		include := toSet(cfg.IncludeTools)
		exclude := toSet(cfg.ExcludeTools)
		for _, td := range defs {
			if len(include) > 0 && !include[td.Name] {
				continue
			}
			if exclude[td.Name] {
				continue
			}

			name := td.Name
			if registry.Has(name) {
				name = ToolName(server, td.Name)
			}
			registry.Register(bridgeTool(m, server, name, td))
			count++

			logger.Debug("bridged tool", "tool", name, "remote_name", td.Name, "tool_server", server)
		}
	}
	return count
}

// ToolName builds the namespaced registry name for a server's tool.
func ToolName(server, tool string) string {
	return fmt.Sprintf("%s_%s", sanitize(server), sanitize(tool))
}

func bridgeTool(m *Manager, server, name string, td ToolDefinition) *tools.Tool {
	remote := td.Name
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Args:        schemaArgs(td.InputSchema),
		Server:      server,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res, err := m.CallTool(ctx, server, remote, args)
			if err != nil {
				return "", err
			}
			return res.Text, nil
		},
	}
}

// schemaArgs flattens a JSON Schema object into name -> type hints.
// Optional properties are marked with a trailing "?".
func schemaArgs(schema map[string]any) map[string]string {
	props, _ := schema["properties"].(map[string]any)
	required := make(map[string]bool)
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(props))
	for _, name := range names {
		typ := "any"
		if p, ok := props[name].(map[string]any); ok {
			if t, ok := p["type"].(string); ok {
				typ = t
			}
		}
		if len(required) > 0 && !required[name] {
			typ += "?"
		}
		out[name] = typ
	}
	return out
}

func sanitize(name string) string {
	s := strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	s = sanitizeRe.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
