package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidInput wraps schema violations of a tool input.
var ErrInvalidInput = errors.New("tool input validation failed")

// Validator checks tool inputs against JSON schemas. Compiled schemas are
// cached by their text.
type Validator struct {
	cache sync.Map
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate reports whether input satisfies schema. An empty schema accepts
// any JSON object.
func (v *Validator) Validate(schema, input json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("%w: input is not valid JSON", ErrInvalidInput)
	}
	if len(schema) == 0 {
		if _, ok := decoded.(map[string]any); !ok {
			return fmt.Errorf("%w: input must be an object", ErrInvalidInput)
		}
		return nil
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", ErrInvalidInput, leafMessage(verr))
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (v *Validator) compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := v.cache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, compiled)
	return compiled, nil
}

// leafMessage returns the most specific cause of a validation failure.
func leafMessage(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	if verr.InstanceLocation == "" {
		return verr.Message
	}
	return verr.InstanceLocation + ": " + verr.Message
}
