package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Schema validates a payload and returns the value handlers should see.
type Schema interface {
	Parse(data any) (any, error)
}

// SchemaFunc adapts a plain function to Schema.
type SchemaFunc func(data any) (any, error)

func (f SchemaFunc) Parse(data any) (any, error) {
	return f(data)
}

// StructSchema decodes the payload into T and checks its `validate` tags.
// T must be a struct type.
type StructSchema[T any] struct {
	validate *validator.Validate
}

func NewStructSchema[T any]() *StructSchema[T] {
	return &StructSchema[T]{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Parse returns a T on success.
func (s *StructSchema[T]) Parse(data any) (any, error) {
	var out T
	if typed, ok := data.(T); ok {
		out = typed
	} else {
		raw, err := encodePayload(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
	}

	if err := s.validate.Struct(out); err != nil {
		return nil, err
	}
	return out, nil
}
