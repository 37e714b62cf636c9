package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// agentSchema constrains agent definitions beyond what Go's type system
// captures: provider and history kind are closed enums and lastN requires a
// positive window.
const agentSchema = `{
  "type": "object",
  "required": ["id", "provider", "model"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "provider": {"type": "string", "enum": ["anthropic", "openai"]},
    "model": {"type": "string", "minLength": 1},
    "temperature": {"type": "number", "minimum": 0, "maximum": 1},
    "max_tokens": {"type": "integer", "minimum": 0},
    "system_prompt": {"type": "string"},
    "tools": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "history": {
      "type": "object",
      "properties": {
        "kind": {"type": "string", "enum": ["none", "lastN", "all", ""]},
        "n": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var agentSchemaLoader = gojsonschema.NewStringLoader(agentSchema)

// ValidateAgent checks one agent definition against the schema and the
// cross-field rules the schema cannot express.
func ValidateAgent(agent AgentDef) error {
	raw, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to serialize agent definition: %w", err)
	}

	result, err := gojsonschema.Validate(agentSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("agent schema validation failed: %w", err)
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return fmt.Errorf("invalid agent definition: %s", strings.Join(issues, "; "))
	}

	if agent.History.Kind == "lastN" && agent.History.N <= 0 {
		return fmt.Errorf("agent %s: lastN history requires n > 0", agent.ID)
	}
	return nil
}
