package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/sourcegraph/conc/panics"

	"superd/internal/fault"
)

// ErrMethodNotFound is returned by Call for names not in the registry.
var ErrMethodNotFound = errors.New("Method not found")

// Kind is the JSON type a parameter must have.
type Kind int

const (
	String Kind = iota
	Bool
	Uint
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Bool:
		return "bool"
	case Uint:
		return "uint"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return "unknown"
}

// matches reports whether the raw JSON value is of kind k. Uint accepts
// non-negative integers only.
func (k Kind) matches(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch k {
	case String:
		return v[0] == '"'
	case Bool:
		return bytes.Equal(v, []byte("true")) || bytes.Equal(v, []byte("false"))
	case Uint:
		_, err := strconv.ParseUint(string(v), 10, 64)
		return err == nil
	case Array:
		return v[0] == '['
	case Object:
		return v[0] == '{'
	}
	return false
}

// Field declares one parameter of a method.
type Field struct {
	Name     string
	Kind     Kind
	Required bool

	// Message replaces the default "Missing <name>" text.
	Message string
}

func (f Field) missing() error {
	if f.Message != "" {
		return fault.New(fault.BadParam, f.Message)
	}
	return fault.BadParamf("Missing %s", f.Name)
}

func required(name string, kind Kind) Field {
	return Field{Name: name, Kind: kind, Required: true}
}

func optional(name string, kind Kind) Field {
	return Field{Name: name, Kind: kind}
}

// HandlerFunc runs a method with params already checked against the
// method's schema.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Method is a registered RPC method.
type Method struct {
	Name   string
	Params []Field
	Handle HandlerFunc
}

// Registry maps method names to handlers.
type Registry struct {
	methods map[string]*Method
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register adds m. Names must be unique.
func (r *Registry) Register(m Method) error {
	if m.Name == "" || m.Handle == nil {
		return fmt.Errorf("register method: name and handler are required")
	}
	if _, exists := r.methods[m.Name]; exists {
		return fmt.Errorf("register method %s: already registered", m.Name)
	}
	r.methods[m.Name] = &m
	return nil
}

// Lookup returns the method registered under name.
func (r *Registry) Lookup(name string) (*Method, bool) {
	m, ok := r.methods[name]
	return m, ok
}

// Names returns every registered method name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call validates params against the method schema and runs the handler
// once. A panicking handler is reported as an internal error.
func (r *Registry) Call(ctx context.Context, name string, params json.RawMessage) (any, error) {
	m, ok := r.methods[name]
	if !ok {
		return nil, ErrMethodNotFound
	}

	checked, err := m.check(params)
	if err != nil {
		return nil, err
	}

	var (
		result     any
		handlerErr error
		catcher    panics.Catcher
	)
	catcher.Try(func() {
		result, handlerErr = m.Handle(ctx, checked)
	})
	if rec := catcher.Recovered(); rec != nil {
		return nil, fault.Wrap(fault.Internal, rec.AsError(), fmt.Sprintf("Internal error in %s: %v", name, rec.Value))
	}
	return result, handlerErr
}

// check enforces required fields and drops optional fields of the wrong
// type so the handler falls back to their defaults. The result is always
// a JSON object.
func (m *Method) check(params json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if v := bytes.TrimSpace(params); len(v) > 0 && v[0] == '{' {
		if err := json.Unmarshal(v, &fields); err != nil {
			fields = map[string]json.RawMessage{}
		}
	}

	clean := make(map[string]json.RawMessage, len(m.Params))
	for _, f := range m.Params {
		raw, present := fields[f.Name]
		ok := present && f.Kind.matches(raw)
		if f.Required && !ok {
			return nil, f.missing()
		}
		if ok {
			clean[f.Name] = raw
		}
	}

	out, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return out, nil
}

// defaulter is implemented by param structs with non-zero defaults.
type defaulter interface {
	setDefaults()
}

// typed adapts a handler taking a param struct to a HandlerFunc.
func typed[P any](fn func(ctx context.Context, p *P) (any, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		p := new(P)
		if d, ok := any(p).(defaulter); ok {
			d.setDefaults()
		}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fault.Wrap(fault.BadParam, err, fmt.Sprintf("Invalid params: %v", err))
		}
		return fn(ctx, p)
	}
}

// noParams adapts a handler that takes no parameters.
func noParams(fn func(ctx context.Context) (any, error)) HandlerFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		return fn(ctx)
	}
}
