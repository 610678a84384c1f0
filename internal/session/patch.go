package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Patch is a sparse set of field updates decoded straight from RPC
// params. Each recognized field is independent: a JSON null clears it,
// an absent field leaves it untouched, and a concrete value sets it
// after validation.
type Patch map[string]json.RawMessage

var nullLiteral = []byte("null")

// patchField describes one patchable entry field.
type patchField struct {
	get    func(*Entry) *string
	values []string // allowed values; nil means free-form
}

var patchFields = map[string]patchField{
	"thinkingLevel":    {get: func(e *Entry) *string { return &e.ThinkingLevel }, values: ThinkingLevels},
	"verboseLevel":     {get: func(e *Entry) *string { return &e.VerboseLevel }, values: VerboseLevels},
	"sendPolicy":       {get: func(e *Entry) *string { return &e.SendPolicy }, values: SendPolicies},
	"groupActivation":  {get: func(e *Entry) *string { return &e.GroupActivation }, values: GroupActivations},
	"model":            {get: func(e *Entry) *string { return &e.Model }},
	"providerOverride": {get: func(e *Entry) *string { return &e.ProviderOverride }},
	"lastChannel":      {get: func(e *Entry) *string { return &e.LastChannel }},
	"lastTo":           {get: func(e *Entry) *string { return &e.LastTo }},
	"lastAccountId":    {get: func(e *Entry) *string { return &e.LastAccountID }},
}

// Apply merges the patch into the entry. key is the session key being
// patched; it gates spawnedBy handling. Unknown fields and invalid enum
// values are rejected with field-specific messages.
func (p Patch) Apply(key string, e *Entry) error {
	for name, raw := range p {
		if name == "spawnedBy" {
			if err := applySpawnedBy(key, e, raw); err != nil {
				return err
			}
			continue
		}

		field, ok := patchFields[name]
		if !ok {
			return fmt.Errorf("unknown session field: %s", name)
		}

		target := field.get(e)
		if bytes.Equal(raw, nullLiteral) {
			*target = ""
			continue
		}

		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("field %s must be a string or null", name)
		}
		if field.values != nil && !contains(field.values, value) {
			return fmt.Errorf("invalid %s %q (valid: %s)", name, value, strings.Join(field.values, ", "))
		}
		*target = value
	}
	return nil
}

// applySpawnedBy enforces the spawnedBy invariant: settable only for
// subagent session keys, immutable once set, never clearable.
func applySpawnedBy(key string, e *Entry, raw json.RawMessage) error {
	if bytes.Equal(raw, nullLiteral) {
		return fmt.Errorf("spawnedBy cannot be cleared")
	}

	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("field spawnedBy must be a string")
	}
	if !strings.HasPrefix(key, SubagentPrefix) {
		return fmt.Errorf("spawnedBy is only settable for %s* session keys", SubagentPrefix)
	}
	if e.SpawnedBy != "" && e.SpawnedBy != value {
		return fmt.Errorf("spawnedBy is immutable once set")
	}
	e.SpawnedBy = value
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
