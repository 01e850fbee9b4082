package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBaseURL = "https://capsulevault.local/schemas/policy/"

var conditionSchemas = map[Type]string{
	TypeManual: `{
		"type": "object",
		"additionalProperties": false
	}`,
	TypeTimeLock: `{
		"type": "object",
		"required": ["unlock_at"],
		"properties": {
			"unlock_at": {"type": "string", "format": "date-time"}
		},
		"additionalProperties": false
	}`,
	TypeMultiParty: `{
		"type": "object",
		"required": ["shared_owners"],
		"properties": {
			"shared_owners": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "minLength": 1}
			},
			"threshold": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	TypeInheritance: `{
		"type": "object",
		"required": ["fallback_addresses", "inactive_after_days"],
		"properties": {
			"fallback_addresses": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "minLength": 1}
			},
			"inactive_after_days": {"type": "integer", "minimum": 1, "maximum": 3650},
			"auto_transfer": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[Type]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[Type]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		out := make(map[Type]*jsonschema.Schema, len(conditionSchemas))
		for t, src := range conditionSchemas {
			url := schemaBaseURL + string(t) + ".schema.json"
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				compileErr = fmt.Errorf("policy schema %s load failed: %w", t, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("policy schema %s compile failed: %w", t, err)
				return
			}
			out[t] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// validateConditions checks raw against the schema for t.
func validateConditions(t Type, raw json.RawMessage) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	s, ok := all[t]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPolicy, t)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s conditions are missing", ErrInvalidPolicy, t)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %s conditions are not JSON: %v", ErrInvalidPolicy, t, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s conditions: %v", ErrInvalidPolicy, t, err)
	}
	return nil
}
