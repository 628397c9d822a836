package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// rulesSchema is the draft-07 schema a rules file must satisfy.
const rulesSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "Sender Rules",
	"type": "object",
	"required": ["rules"],
	"additionalProperties": false,
	"properties": {
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["pattern"],
				"additionalProperties": false,
				"properties": {
					"pattern": {"type": "string"},
					"route": {"type": "string"},
					"description": {"type": "string"}
				}
			}
		}
	}
}`

// validateRulesDocument checks a raw YAML rules document against the
// rules schema. YAML is decoded to a generic tree and re-encoded as JSON
// because the validator only speaks JSON.
func validateRulesDocument(raw []byte) error {
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	docJSON, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(rulesSchema),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("schema violations: %s", strings.Join(problems, "; "))
}
