package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// definitionSchema validates declarative workflow documents before they are
// decoded, so authoring mistakes fail with a schema path instead of a zero
// value deep in the engine.
const definitionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "version", "initial_state", "states", "transitions"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"initial_state": {"type": "string", "minLength": 1},
		"states": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"terminal_states": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		},
		"transitions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "from", "to"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"from": {"type": "string", "minLength": 1},
					"to": {"type": "string", "minLength": 1},
					"required_capability": {"type": "string"},
					"guards": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["name"],
							"properties": {
								"name": {"type": "string", "minLength": 1},
								"expr": {"type": "string"}
							},
							"additionalProperties": false
						}
					},
					"actions": {
						"type": "array",
						"items": {"type": "string", "minLength": 1}
					}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledDefinitionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://covenantlabs.schemas.local/workflow/definition.schema.json"
		if err := c.AddResource(url, strings.NewReader(definitionSchema)); err != nil {
			schemaErr = fmt.Errorf("workflow: load definition schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("workflow: compile definition schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// LoadDefinition parses a YAML workflow definition document, validates it
// against the schema, and returns the definition ready for registration.
func LoadDefinition(doc []byte) (*Definition, error) {
	var raw any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("workflow: parse definition document: %w", err)
	}

	// Round-trip through JSON so the schema validator sees JSON-typed
	// values rather than YAML's native ints and maps.
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("workflow: normalize definition document: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return nil, fmt.Errorf("workflow: normalize definition document: %w", err)
	}

	schema, err := compiledDefinitionSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("workflow: definition document invalid: %w", err)
	}

	var def Definition
	if err := json.Unmarshal(jsonBytes, &def); err != nil {
		return nil, fmt.Errorf("workflow: decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}
