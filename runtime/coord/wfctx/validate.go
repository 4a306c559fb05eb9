package wfctx

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks section values against the workflow's JSON schemas.
// Sections without a schema accept any value. Compiled once per run.
type Validator struct {
	input  *jsonschema.Schema
	state  *jsonschema.Schema
	output *jsonschema.Schema
}

// NewValidator compiles the section schemas. Invalid schemas fail construction
// so a bad definition is caught before any token is created.
func NewValidator(schemas Schemas) (*Validator, error) {
	v := &Validator{}
	var err error
	if v.input, err = compile("input", schemas.Input); err != nil {
		return nil, err
	}
	if v.state, err = compile("state", schemas.State); err != nil {
		return nil, err
	}
	if v.output, err = compile("output", schemas.Output); err != nil {
		return nil, err
	}
	return v, nil
}

func compile(section string, doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	url := section + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", section, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", section, err)
	}
	return sch, nil
}

// ValidateSection checks a full section value against its schema.
func (v *Validator) ValidateSection(section string, value map[string]any) error {
	var sch *jsonschema.Schema
	switch section {
	case "input":
		sch = v.input
	case "state":
		sch = v.state
	case "output":
		sch = v.output
	default:
		return fmt.Errorf("unknown context section %q", section)
	}
	if sch == nil {
		return nil
	}
	if err := sch.Validate(toJSONValue(value)); err != nil {
		return &ValidationError{Section: section, Cause: err}
	}
	return nil
}

// toJSONValue normalizes Go values into the shapes the validator expects
// (json.Unmarshal output): ints become float64, nested maps and slices are
// converted recursively.
func toJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toJSONValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toJSONValue(e)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
