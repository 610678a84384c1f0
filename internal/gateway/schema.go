package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-method param schemas. Methods absent from this table accept any
// params (typically none). Validation failures reject the request
// before the handler runs.
var methodSchemas = map[string]string{
	"agent": `{
	  "type": "object",
	  "required": ["message"],
	  "properties": {
	    "message": { "type": "string", "minLength": 1 },
	    "sessionKey": { "type": "string" },
	    "channel": { "type": "string" },
	    "to": { "type": "string" },
	    "accountId": { "type": "string" },
	    "deliver": { "type": "boolean" }
	  },
	  "additionalProperties": false
	}`,
	"agent.wait": `{
	  "type": "object",
	  "required": ["runId"],
	  "properties": {
	    "runId": { "type": "string", "minLength": 1 },
	    "afterMs": { "type": "integer", "minimum": 0 },
	    "timeoutMs": { "type": "integer", "minimum": 0 }
	  },
	  "additionalProperties": false
	}`,
	"sessions.patch": `{
	  "type": "object",
	  "required": ["key", "patch"],
	  "properties": {
	    "key": { "type": "string", "minLength": 1 },
	    "patch": { "type": "object" }
	  },
	  "additionalProperties": false
	}`,
	"sessions.reset": `{
	  "type": "object",
	  "required": ["key"],
	  "properties": { "key": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	"sessions.delete": `{
	  "type": "object",
	  "required": ["key"],
	  "properties": { "key": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	"sessions.compact": `{
	  "type": "object",
	  "required": ["key"],
	  "properties": {
	    "key": { "type": "string", "minLength": 1 },
	    "maxLines": { "type": "integer", "minimum": 1 }
	  },
	  "additionalProperties": false
	}`,
	"sessions.resolve": `{
	  "type": "object",
	  "required": ["label"],
	  "properties": { "label": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	"sessions.history": `{
	  "type": "object",
	  "required": ["key"],
	  "properties": {
	    "key": { "type": "string", "minLength": 1 },
	    "limit": { "type": "integer", "minimum": 1 }
	  },
	  "additionalProperties": false
	}`,
	"cron.add": `{
	  "type": "object",
	  "required": ["schedule", "payload"],
	  "properties": {
	    "name": { "type": "string" },
	    "enabled": { "type": "boolean" },
	    "schedule": { "type": "object" },
	    "sessionTarget": { "type": "string" },
	    "wakeMode": { "enum": ["now", "next-heartbeat"] },
	    "payload": { "type": "object" },
	    "deleteAfterRun": { "type": "boolean" }
	  },
	  "additionalProperties": false
	}`,
	"cron.update": `{
	  "type": "object",
	  "required": ["id"],
	  "properties": {
	    "id": { "type": "string", "minLength": 1 },
	    "name": { "type": "string" },
	    "enabled": { "type": "boolean" },
	    "schedule": { "type": "object" },
	    "sessionTarget": { "type": "string" },
	    "wakeMode": { "enum": ["now", "next-heartbeat"] },
	    "payload": { "type": "object" },
	    "deleteAfterRun": { "type": "boolean" }
	  },
	  "additionalProperties": false
	}`,
	"cron.remove": `{
	  "type": "object",
	  "required": ["id"],
	  "properties": { "id": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	"cron.run": `{
	  "type": "object",
	  "required": ["id"],
	  "properties": { "id": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	"cron.runs": `{
	  "type": "object",
	  "required": ["id"],
	  "properties": {
	    "id": { "type": "string", "minLength": 1 },
	    "limit": { "type": "integer", "minimum": 1 }
	  },
	  "additionalProperties": false
	}`,
	"config.set": `{
	  "type": "object",
	  "required": ["patch"],
	  "properties": { "patch": { "type": "object" } },
	  "additionalProperties": false
	}`,
	"device.pair.approve": `{
	  "type": "object",
	  "required": ["requestId"],
	  "properties": {
	    "requestId": { "type": "string", "minLength": 1 },
	    "scopes": { "type": "array", "items": { "type": "string" } }
	  },
	  "additionalProperties": false
	}`,
	"device.pair.reject": `{
	  "type": "object",
	  "required": ["requestId"],
	  "properties": { "requestId": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	"device.token.rotate": `{
	  "type": "object",
	  "required": ["deviceId"],
	  "properties": {
	    "deviceId": { "type": "string", "minLength": 1 },
	    "role": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	"device.token.revoke": `{
	  "type": "object",
	  "required": ["deviceId"],
	  "properties": { "deviceId": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	"node.invoke": `{
	  "type": "object",
	  "required": ["deviceId", "command"],
	  "properties": {
	    "deviceId": { "type": "string", "minLength": 1 },
	    "command": { "type": "string", "minLength": 1 },
	    "params": {},
	    "timeoutMs": { "type": "integer", "minimum": 1 }
	  },
	  "additionalProperties": false
	}`,
	"node.invoke.result": `{
	  "type": "object",
	  "required": ["id", "ok"],
	  "properties": {
	    "id": { "type": "string", "minLength": 1 },
	    "ok": { "type": "boolean" },
	    "payload": {},
	    "error": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
}

var (
	schemasOnce     sync.Once
	compiledSchemas map[string]*jsonschema.Schema
	schemasErr      error
)

func compileSchemas() error {
	schemasOnce.Do(func() {
		compiledSchemas = make(map[string]*jsonschema.Schema, len(methodSchemas))
		for method, raw := range methodSchemas {
			compiled, err := jsonschema.CompileString("method_"+method, raw)
			if err != nil {
				schemasErr = fmt.Errorf("schema for %s: %w", method, err)
				return
			}
			compiledSchemas[method] = compiled
		}
	})
	return schemasErr
}

// validateParams checks params against the method's schema, formatting
// every failure into the error message so callers can self-correct.
func (g *Gateway) validateParams(method string, params json.RawMessage) *Error {
	if err := compileSchemas(); err != nil {
		return Errf(CodeInternal, "schema registry broken: %v", err)
	}

	schema := compiledSchemas[method]
	if schema == nil {
		return nil
	}

	var payload any
	if len(params) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(params, &payload); err != nil {
		return Errf(CodeInvalidRequest, "params are not valid JSON: %v", err)
	}

	if err := schema.Validate(payload); err != nil {
		return &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("invalid params for %s", method),
			Details: formatValidationError(err),
		}
	}
	return nil
}

// formatValidationError flattens jsonschema's error tree into a list
// of field-level failures.
func formatValidationError(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}

	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			if loc == "" {
				loc = "(root)"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}
