// Package coretools registers the built-in tools every agent gets: durable
// memory storage, recall, and working memory inspection.
package coretools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/averin/strand/pkg/memory"
	"github.com/averin/strand/pkg/provider"
)

// Register adds the built-in tools to the registry.
func Register(registry *provider.Registry, mem *memory.Store) error {
	tools := []struct {
		def     provider.ToolDefinition
		handler provider.ToolHandler
	}{
		{rememberDefinition(), rememberHandler(mem)},
		{recallDefinition(), recallHandler(mem)},
		{workingMemoryDefinition(), workingMemoryHandler(mem)},
		{currentTimeDefinition(), currentTimeHandler()},
	}
	for _, tool := range tools {
		if err := registry.Register(tool.def, tool.handler); err != nil {
			return err
		}
	}
	return nil
}

func rememberDefinition() provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        "remember",
		Description: "Store a fact in durable memory under a key so later conversations can recall it.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"key":   map[string]interface{}{"type": "string", "description": "Stable identifier for the fact"},
				"value": map[string]interface{}{"type": "string", "description": "The fact to store"},
			},
			"required": []interface{}{"key", "value"},
		},
	}
}

func rememberHandler(mem *memory.Store) provider.ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		key, _ := args["key"].(string)
		value, _ := args["value"].(string)
		if err := mem.Store(ctx, "fact:"+key, value); err != nil {
			return "", err
		}
		return fmt.Sprintf("stored %q", key), nil
	}
}

func recallDefinition() provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        "recall",
		Description: "Retrieve a fact previously stored in durable memory.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"key": map[string]interface{}{"type": "string", "description": "Identifier used when the fact was stored"},
			},
			"required": []interface{}{"key"},
		},
	}
}

func recallHandler(mem *memory.Store) provider.ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		key, _ := args["key"].(string)
		var value string
		found, err := mem.Retrieve(ctx, "fact:"+key, &value)
		if err != nil {
			return "", err
		}
		if !found {
			return fmt.Sprintf("nothing stored under %q", key), nil
		}
		return value, nil
	}
}

func workingMemoryDefinition() provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        "working_memory",
		Description: "List the most recently touched working memory entries.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"limit": map[string]interface{}{"type": "integer", "description": "Maximum entries to return", "minimum": 1},
			},
		},
	}
}

func workingMemoryHandler(mem *memory.Store) provider.ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		limit := 10
		if v, ok := args["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}

		results := mem.Query(memory.QueryOptions{
			Limit: limit,
			Sort:  memory.SortAccessed,
		})
		if len(results) == 0 {
			return "working memory is empty", nil
		}

		entries := make([]map[string]interface{}, 0, len(results))
		for _, r := range results {
			entries = append(entries, map[string]interface{}{
				"key":          r.Key,
				"value":        r.Value,
				"access_count": r.Entry.AccessCount,
			})
		}
		raw, err := json.Marshal(entries)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

func currentTimeDefinition() provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        "current_time",
		Description: "Return the current UTC time in RFC 3339 format.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}
}

func currentTimeHandler() provider.ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	}
}
