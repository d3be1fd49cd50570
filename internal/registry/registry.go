// Package registry holds the in-memory catalog of invocable tools.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidArguments wraps argument decoding and schema validation failures.
var ErrInvalidArguments = errors.New("invalid arguments")

// emptyObjectSchema is used for descriptors registered without a schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// Handler is the single capability every tool implements.
type Handler interface {
	Call(ctx context.Context, args json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

func (f HandlerFunc) Call(ctx context.Context, args json.RawMessage) (any, error) {
	return f(ctx, args)
}

// Descriptor is an immutable tool record.
type Descriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

type entry struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry maps tool names to descriptors. Re-registering a name replaces
// the previous descriptor.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register compiles the descriptor's schema and stores it under its name.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("register tool: empty name")
	}
	if d.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", d.Name)
	}
	if len(d.InputSchema) == 0 {
		d.InputSchema = emptyObjectSchema
	}
	compiled, err := compileSchema(d.Name, d.InputSchema)
	if err != nil {
		return fmt.Errorf("register tool %q: %w", d.Name, err)
	}
	r.mu.Lock()
	r.tools[d.Name] = entry{desc: d, schema: compiled}
	r.mu.Unlock()
	return nil
}

// RegisterAll registers a declarative table, stopping at the first error.
func (r *Registry) RegisterAll(descs []Descriptor) error {
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	return e.desc, ok
}

// List returns every descriptor sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	descs := r.List()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Validate checks args against the named tool's input schema. Empty args
// are treated as an empty object.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool %q not registered", name)
	}
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := e.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}
