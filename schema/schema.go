// Package schema compiles and validates the JSON schemas of tool inputs, and offers
// small builders to write those schemas in Go.
//
//	raw := schema.Object(map[string]*schema.Property{
//	    "query": schema.String("Search query"),
//	    "limit": schema.Integer("Max results").Min(1).Max(50),
//	}, "query")
//
//	s, err := schema.Compile(raw)
//	...
//	err = s.Validate(map[string]any{"query": "go generics"})
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const resourceName = "input.json"

// Schema is a raw JSON schema together with its compiled validator.
type Schema struct {
	raw      map[string]any
	compiled *jsonschema.Schema
}

// Compile compiles raw. A nil raw schema compiles to a nil *Schema, which accepts
// everything.
func Compile(raw map[string]any) (*Schema, error) {
	if raw == nil {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Schema{raw: raw, compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(raw map[string]any) *Schema {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Raw returns the schema as given to Compile.
func (s *Schema) Raw() map[string]any {
	if s == nil {
		return nil
	}
	return s.raw
}

// Validate checks data against the schema.
//
// data is round-tripped through JSON first, so Go-typed values (ints, structs, typed
// slices) are validated the way the model would have sent them.
func (s *Schema) Validate(data map[string]any) error {
	if s == nil || s.compiled == nil {
		return nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return &ValidationError{Err: err}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return &ValidationError{Err: err}
	}
	if err := s.compiled.Validate(doc); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// Pretty returns the raw schema as indented JSON, for prompts.
func (s *Schema) Pretty() string {
	if s == nil {
		return "{}"
	}
	data, err := json.MarshalIndent(s.raw, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ValidationError is returned by Validate when the data does not match.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// -----------------------------------------------------------------------------
// Builders
// -----------------------------------------------------------------------------

// Object returns an object schema. The names listed in required are marked required.
func Object(properties map[string]*Property, required ...string) map[string]any {
	props := make(map[string]any, len(properties))
	for name, p := range properties {
		props[name] = p.Build()
	}

	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// Property is a chainable property schema.
type Property struct {
	fields map[string]any
}

func newProperty(typ, description string) *Property {
	p := &Property{fields: map[string]any{"type": typ}}
	if description != "" {
		p.fields["description"] = description
	}
	return p
}

// String returns a string property.
func String(description string) *Property { return newProperty("string", description) }

// Integer returns an integer property.
func Integer(description string) *Property { return newProperty("integer", description) }

// Number returns a number property.
func Number(description string) *Property { return newProperty("number", description) }

// Boolean returns a boolean property.
func Boolean(description string) *Property { return newProperty("boolean", description) }

// Array returns an array property whose items follow items.
func Array(description string, items *Property) *Property {
	p := newProperty("array", description)
	if items != nil {
		p.fields["items"] = items.Build()
	}
	return p
}

// Enum restricts the property to values.
func (p *Property) Enum(values ...any) *Property { return p.set("enum", values) }

// Min sets the inclusive minimum of a numeric property.
func (p *Property) Min(v float64) *Property { return p.set("minimum", v) }

// Max sets the inclusive maximum of a numeric property.
func (p *Property) Max(v float64) *Property { return p.set("maximum", v) }

// MinLength sets the minimum length of a string property.
func (p *Property) MinLength(n int) *Property { return p.set("minLength", n) }

// Pattern sets the regular expression a string property must match.
func (p *Property) Pattern(re string) *Property { return p.set("pattern", re) }

// Default sets the default value.
func (p *Property) Default(v any) *Property { return p.set("default", v) }

func (p *Property) set(key string, value any) *Property {
	p.fields[key] = value
	return p
}

// Build returns the property as a raw schema map.
func (p *Property) Build() map[string]any {
	return maps.Clone(p.fields)
}
