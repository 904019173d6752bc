package streams

import "fmt"

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventInvestigationEnqueued,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["investigation_id", "query_text", "trigger"],
  "properties": {
    "investigation_id": {"type": "string", "minLength": 1},
    "query_text": {"type": "string", "minLength": 1},
    "params": {"type": "object"},
    "trigger": {"type": "string", "enum": ["manual", "schedule", "replay"]},
    "watchlist_id": {"type": "string"},
    "user_id": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventInvestigationCompleted,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["investigation_id", "state"],
  "properties": {
    "investigation_id": {"type": "string", "minLength": 1},
    "state": {"type": "string", "enum": ["completed", "failed", "cancelled"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "findings": {"type": "integer", "minimum": 0},
    "flags": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the baseline event schemas into the registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
