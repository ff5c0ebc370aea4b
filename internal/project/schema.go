package project

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchemaJSON enforces additionalProperties: false at every level, so
// a misspelled key in config.yaml is rejected at load time instead of
// being silently ignored.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "log_level": {"type": "string"},
    "uploads_root": {"type": "string"},
    "db_name": {"type": "string"},
    "max_concurrent_tasks": {"type": "integer", "minimum": 1},
    "max_queued_per_project": {"type": "integer", "minimum": 1},
    "default_token_budget": {"type": "integer", "minimum": 1},
    "default_timeout_ms": {"type": "integer", "minimum": 1},
    "silence_timeout_ms": {"type": "integer", "minimum": 1},
    "approval_timeout_ms": {"type": "integer", "minimum": 1},
    "replay_timeout_ms": {"type": "integer", "minimum": 1},
    "summarizer_enabled": {"type": "boolean"},
    "projects": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["alias", "path"],
        "properties": {
          "alias": {"type": "string", "minLength": 1},
          "path": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "token_budget": {"type": "integer", "minimum": 1},
          "timeout_ms": {"type": "integer", "minimum": 1},
          "skip_permissions": {"type": "boolean"},
          "skip_permissions_reason": {"type": "string"}
        }
      }
    }
  }
}`

const schemaResourceURL = "remotewiz://config.schema.json"

func compileConfigSchema() (*jsonschema.Schema, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal embedded schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaResourceURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(schemaResourceURL)
}

// ValidateSchema parses raw YAML config bytes and checks them against
// configSchemaJSON. yaml.v3 decodes mappings into map[string]interface{}
// with string keys, the same shape encoding/json produces, so the decoded
// value can be validated directly without a YAML-to-JSON text round trip.
func ValidateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}

	schema, err := compileConfigSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(normalizeForSchema(doc)); err != nil {
		return err
	}
	return nil
}

// normalizeForSchema converts yaml.v3's map[string]interface{} tree into
// the jsonschema library's expected instance shape, widening integers to
// float64 the way encoding/json would.
func normalizeForSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForSchema(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForSchema(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
