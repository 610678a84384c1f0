package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidPatch marks config patches rejected before merging, either
// malformed JSON or schema violations.
var ErrInvalidPatch = errors.New("invalid config patch")

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// configSchema describes the config file shape. Patches are validated
// against it before merging so a bad config.set never lands on disk.
const configSchema = `{
  "type": "object",
  "properties": {
    "gateway": {
      "type": "object",
      "properties": {
        "listen": { "type": "string" },
        "port": { "type": "integer", "minimum": 1, "maximum": 65535 }
      },
      "additionalProperties": false
    },
    "agent": {
      "type": "object",
      "properties": {
        "command": { "type": "string" },
        "model": { "type": "string" },
        "thinkingLevel": { "enum": ["off", "minimal", "low", "medium", "high"] },
        "verboseLevel": { "enum": ["off", "low", "medium", "high"] }
      },
      "additionalProperties": false
    },
    "routing": {
      "type": "object",
      "properties": {
        "defaultChannel": { "type": "string" },
        "whatsappAllow": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "sessions": {
      "type": "object",
      "properties": {
        "compactLines": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "auth": {
      "type": "object",
      "properties": {
        "tokenSecret": { "type": "string" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("clawgate_config", configSchema)
	})
	return compiledSchema, schemaErr
}

// Schema returns the config schema document.
func Schema() json.RawMessage {
	return json.RawMessage(configSchema)
}

// ValidatePatch checks a sparse config patch against the schema.
func ValidatePatch(patch json.RawMessage) error {
	schema, err := compiled()
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	var payload any
	if err := json.Unmarshal(patch, &payload); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrInvalidPatch, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return nil
}
