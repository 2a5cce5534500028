package validation

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// SchemaValidator checks documents against one compiled JSON schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles schema. An empty schema yields a validator
// that accepts everything.
func NewSchemaValidator(schema map[string]interface{}) (*SchemaValidator, error) {
	if len(schema) == 0 {
		return &SchemaValidator{}, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// Validate returns every violation in doc. doc must be made of plain JSON
// types (maps, slices, strings, float64, bool, nil).
func (v *SchemaValidator) Validate(doc interface{}) ([]ValidationError, error) {
	if v == nil || v.schema == nil {
		return nil, nil
	}
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	out := make([]ValidationError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		out = append(out, ValidationError{
			Field:   fieldPath(re),
			Message: re.Description(),
			Code:    strings.ToUpper(re.Type()),
		})
	}
	return out, nil
}

// fieldPath reports the dotted path of the offending property. For
// "required" errors the missing property is appended to the context path.
func fieldPath(re gojsonschema.ResultError) string {
	field := ""
	if c := re.Context(); c != nil {
		field = strings.TrimPrefix(strings.TrimPrefix(c.String(), "(root)"), ".")
	}
	if re.Type() == "required" {
		if prop, ok := re.Details()["property"].(string); ok {
			if field == "" {
				return prop
			}
			return field + "." + prop
		}
	}
	return field
}
