package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/averin/strand/internal/observability"
	"github.com/averin/strand/pkg/fault"
)

// ToolDefinition describes a tool the model may call. InputSchema is a JSON
// Schema object; arguments are validated against it before the handler runs.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (string, error)

type registeredTool struct {
	def     ToolDefinition
	handler ToolHandler
	schema  *gojsonschema.Schema
}

// Registry holds the tools available to agents. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	observability.EnsureRegistered()
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds a tool. The definition's schema is compiled eagerly so a
// malformed schema fails at startup rather than mid-turn.
func (r *Registry) Register(def ToolDefinition, handler ToolHandler) error {
	if def.Name == "" {
		return fault.New(fault.CodeConfigInvalid, "tool name cannot be empty")
	}
	if handler == nil {
		return fault.Newf(fault.CodeConfigInvalid, "tool %s has no handler", def.Name)
	}

	var schema *gojsonschema.Schema
	if def.InputSchema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
		if err != nil {
			return fault.Wrap(fault.CodeConfigInvalid, "invalid input schema for tool "+def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fault.Newf(fault.CodeConfigInvalid, "tool %s is already registered", def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, handler: handler, schema: schema}
	return nil
}

// Definitions returns the definitions for the named tools. Unknown names are
// skipped; nil selects every registered tool. Output order is stable.
func (r *Registry) Definitions(names []string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []ToolDefinition
	if names == nil {
		for _, t := range r.tools {
			defs = append(defs, t.def)
		}
	} else {
		for _, name := range names {
			if t, ok := r.tools[name]; ok {
				defs = append(defs, t.def)
			}
		}
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute validates the arguments and runs the named tool. Tool failures are
// returned as values, not errors, so the model can observe them.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fault.Newf(fault.CodeNodeValidation, "unknown tool: %s", name)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if tool.schema != nil {
		result, err := tool.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return "", fault.Wrap(fault.CodeNodeValidation, "tool argument validation failed", err)
		}
		if !result.Valid() {
			return "", fault.Newf(fault.CodeNodeValidation, "invalid arguments for tool %s: %s", name, result.Errors()[0].String())
		}
	}

	started := time.Now()
	output, err := tool.handler(ctx, args)
	observability.RecordToolCall(name, time.Since(started), err == nil)
	if err != nil {
		return "", fault.Wrap(fault.CodeNodeExecution, "tool "+name+" failed", err)
	}
	return output, nil
}
