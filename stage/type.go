package stage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrKindContract is returned when type ports don't match its kind.
	ErrKindContract = errors.New("ports violate kind contract")
	// ErrDuplicateType is returned when type name is already registered.
	ErrDuplicateType = errors.New("duplicate type")
)

// Role defines the part of the stage in echo reference coupling.
type Role int

// Reference roles.
const (
	NoReference Role = iota
	// ReferenceProducer exposes the rendered signal.
	ReferenceProducer
	// ReferenceConsumer subtracts the reference from captured signal.
	ReferenceConsumer
)

// Port describes input or output of stage type. Format is a template,
// unconstrained fields are negotiated.
type Port struct {
	Name   string
	Format Format
}

// Setup carries everything element constructor needs.
type Setup struct {
	Name   string
	Branch Branch
	Params Params
	Input  Format
	Output Format
	Logger logrus.FieldLogger
}

// Type is a registered kind of stage: it describes ports and
// parameters and creates elements.
type Type struct {
	Name    string
	Kind    Kind
	Inputs  []Port
	Outputs []Port
	Params  []ParamSpec
	Role    Role
	// Caps refines port templates with current parameter values.
	Caps func(p Params) (in, out Format)
	// Transform returns output format for the negotiated input format.
	// When nil, filters pass the input through and other kinds use
	// the output template.
	Transform func(in Format, p Params) Format
	// New creates the element. It must implement Producer, Processor
	// or Consumer depending on the kind.
	New func(Setup) (interface{}, error)
}

// Validate checks the capability contract of type.
func (t *Type) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty type name", ErrKindContract)
	}
	in, out := t.Kind.Ports()
	if len(t.Inputs) != in || len(t.Outputs) != out {
		return fmt.Errorf("%w: %s %s has %d inputs and %d outputs, expected %d and %d",
			ErrKindContract, t.Kind, t.Name, len(t.Inputs), len(t.Outputs), in, out)
	}
	if t.New == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrKindContract, t.Name)
	}
	return nil
}

// InputFormat returns the input template refined with params. False is
// returned if type has no input or params contradict the template.
func (t *Type) InputFormat(p Params) (Format, bool) {
	if len(t.Inputs) == 0 {
		return Format{}, false
	}
	f := t.Inputs[0].Format
	if t.Caps != nil {
		in, _ := t.Caps(p)
		return f.Intersect(in)
	}
	return f, true
}

// OutputFormat returns the output template refined with params.
func (t *Type) OutputFormat(p Params) (Format, bool) {
	if len(t.Outputs) == 0 {
		return Format{}, false
	}
	f := t.Outputs[0].Format
	if t.Caps != nil {
		_, out := t.Caps(p)
		return f.Intersect(out)
	}
	return f, true
}

// Transformed returns the output format produced for negotiated input.
func (t *Type) Transformed(in Format, p Params) (Format, bool) {
	out, ok := t.OutputFormat(p)
	if !ok {
		return Format{}, false
	}
	switch {
	case t.Transform != nil:
		return out.Intersect(t.Transform(in, p))
	case t.Kind == Filter:
		return out.Intersect(in)
	}
	return out, true
}

// Registry holds stage types by name.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewRegistry returns registry with provided types.
func NewRegistry(types ...*Type) (*Registry, error) {
	r := &Registry{types: make(map[string]*Type)}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a new type.
func (r *Registry) Register(t *Type) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t.Name)
	}
	r.types[t.Name] = t
	return nil
}

// Replace adds a type or overrides existing one with the same name.
func (r *Registry) Replace(t *Type) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
	return nil
}

// Lookup returns type by name.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns sorted names of registered types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptor describes a stage added to the graph.
type Descriptor struct {
	Name   string
	Type   string
	Branch Branch
	Params map[string]interface{}
}
