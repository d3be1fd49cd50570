package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var reflector = jsonschema.Reflector{
	Anonymous:                 true,
	ExpandedStruct:            true,
	DoNotReference:            true,
	AllowAdditionalProperties: true,
}

// SchemaFor reflects a JSON Schema from the argument struct T. Field
// descriptions come from `jsonschema:"description=..."` tags; fields without
// omitempty are required.
func SchemaFor[T any]() json.RawMessage {
	var zero T
	s := reflector.Reflect(&zero)
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", zero, err))
	}
	return data
}

// Typed adapts a function taking a decoded argument struct to Handler.
func Typed[T any](fn func(ctx context.Context, args T) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args T
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
		}
		return fn(ctx, args)
	})
}

// Tool builds a descriptor whose schema is reflected from T.
func Tool[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) Descriptor {
	return Descriptor{
		Name:        name,
		Description: description,
		InputSchema: SchemaFor[T](),
		Handler:     Typed(fn),
	}
}
