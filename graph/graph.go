// Package graph builds the duplex pipeline graph: stages are added with
// typed handles, linked by ports and coupled by the echo reference.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"pipelined.dev/duplex/stage"
)

var (
	// ErrDuplicateName is returned when stage name already exists.
	ErrDuplicateName = errors.New("duplicate stage name")
	// ErrIncompatiblePorts is returned when linked ports formats cannot
	// be satisfied together.
	ErrIncompatiblePorts = errors.New("incompatible ports")
	// ErrDanglingStage is returned when handle doesn't belong to graph.
	ErrDanglingStage = errors.New("dangling stage")
	// ErrUnknownParameter is returned when stage type doesn't recognize
	// the parameter key.
	ErrUnknownParameter = stage.ErrUnknownParameter
	// ErrInvalidValue is returned when parameter value is out of range.
	ErrInvalidValue = stage.ErrInvalidValue
	// ErrGraphAlreadyActive is returned when graph is mutated after
	// activation.
	ErrGraphAlreadyActive = errors.New("graph already active")
	// ErrUnknownType is returned when stage type is not registered.
	ErrUnknownType = errors.New("unknown stage type")
	// ErrBranchMismatch is returned when stages of different branches
	// are linked with data link.
	ErrBranchMismatch = errors.New("branch mismatch")
	// ErrPortInUse is returned when port is already linked.
	ErrPortInUse = errors.New("port in use")
	// ErrCycle is returned when link would create a data cycle.
	ErrCycle = errors.New("cycle")
	// ErrNotReferenceCapable is returned when coupled stages cannot
	// produce or consume the echo reference.
	ErrNotReferenceCapable = errors.New("stage cannot take part in echo reference")
	// ErrUnlinked is returned when graph has stages without links.
	ErrUnlinked = errors.New("unlinked stage")
)

// Handle addresses the stage in the graph.
type Handle struct {
	g  *Graph
	id int
}

// Name returns the name of stage. Empty string is returned for dangling
// handle.
func (h Handle) Name() string {
	if n, err := h.g.node(h); err == nil {
		return n.name
	}
	return ""
}

// Valid reports if handle refers a stage.
func (h Handle) Valid() bool {
	return h.g != nil
}

// Link is a directed data connection between stages. Format is fixed
// during negotiation.
type Link struct {
	From   Handle
	To     Handle
	Format stage.Format
}

// Node is a snapshot of stage in the graph.
type Node struct {
	Handle Handle
	Name   string
	Branch stage.Branch
	Type   *stage.Type
	Params stage.Params
	Input  *Link
	Output *Link
}

type node struct {
	id     int
	name   string
	branch stage.Branch
	typ    *stage.Type
	params stage.Params
	in     *Link
	out    *Link
}

// Graph is an ordered acyclic set of stages with two branches and the
// echo reference between them. It's not safe for concurrent use.
type Graph struct {
	registry  *stage.Registry
	nodes     []*node
	names     map[string]*node
	links     []*Link
	canceller Handle
	probe     Handle
	active    bool
}

// New creates an empty graph that instantiates types from registry.
func New(r *stage.Registry) *Graph {
	return &Graph{
		registry: r,
		names:    make(map[string]*node),
	}
}

func (g *Graph) node(h Handle) (*node, error) {
	if g == nil || h.g != g || h.id < 0 || h.id >= len(g.nodes) {
		return nil, ErrDanglingStage
	}
	return g.nodes[h.id], nil
}

// AddStage registers a stage and applies its initial parameters.
func (g *Graph) AddStage(d stage.Descriptor) (Handle, error) {
	if g.active {
		return Handle{}, ErrGraphAlreadyActive
	}
	if d.Name == "" {
		return Handle{}, fmt.Errorf("%w: empty stage name", ErrInvalidValue)
	}
	if _, ok := g.names[d.Name]; ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
	}
	t, ok := g.registry.Lookup(d.Type)
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownType, d.Type)
	}
	params := stage.NewParams(t.Params...)
	keys := make([]string, 0, len(d.Params))
	for k := range d.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := params.Set(k, d.Params[k]); err != nil {
			return Handle{}, fmt.Errorf("stage %s: %w", d.Name, err)
		}
	}
	if t.Caps != nil {
		if _, ok := t.InputFormat(params); !ok && len(t.Inputs) > 0 {
			return Handle{}, fmt.Errorf("%w: stage %s input contradicts params", ErrInvalidValue, d.Name)
		}
		if _, ok := t.OutputFormat(params); !ok && len(t.Outputs) > 0 {
			return Handle{}, fmt.Errorf("%w: stage %s output contradicts params", ErrInvalidValue, d.Name)
		}
	}
	n := &node{
		id:     len(g.nodes),
		name:   d.Name,
		branch: d.Branch,
		typ:    t,
		params: params,
	}
	g.nodes = append(g.nodes, n)
	g.names[d.Name] = n
	return Handle{g: g, id: n.id}, nil
}

// Lookup returns handle of the stage by name.
func (g *Graph) Lookup(name string) (Handle, bool) {
	if n, ok := g.names[name]; ok {
		return Handle{g: g, id: n.id}, true
	}
	return Handle{}, false
}

// Link connects output port of producer with input port of consumer.
func (g *Graph) Link(producer, consumer Handle) error {
	if g.active {
		return ErrGraphAlreadyActive
	}
	from, err := g.node(producer)
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	to, err := g.node(consumer)
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	if from.branch != to.branch {
		return fmt.Errorf("%w: %s is %v, %s is %v", ErrBranchMismatch, from.name, from.branch, to.name, to.branch)
	}
	if len(from.typ.Outputs) == 0 {
		return fmt.Errorf("%w: %s has no output port", ErrIncompatiblePorts, from.name)
	}
	if len(to.typ.Inputs) == 0 {
		return fmt.Errorf("%w: %s has no input port", ErrIncompatiblePorts, to.name)
	}
	if from.out != nil {
		return fmt.Errorf("%w: %s output", ErrPortInUse, from.name)
	}
	if to.in != nil {
		return fmt.Errorf("%w: %s input", ErrPortInUse, to.name)
	}
	if g.reaches(to, from) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, from.name, to.name)
	}
	f, err := linkFormat(from, to)
	if err != nil {
		return err
	}
	l := &Link{From: producer, To: consumer, Format: f}
	from.out = l
	to.in = l
	g.links = append(g.links, l)
	return nil
}

// reaches reports if there is a data path from a to b.
func (g *Graph) reaches(a, b *node) bool {
	for n := a; n != nil; {
		if n == b {
			return true
		}
		if n.out == nil {
			return false
		}
		n = g.nodes[n.out.To.id]
	}
	return false
}

func linkFormat(from, to *node) (stage.Format, error) {
	out, _ := from.typ.OutputFormat(from.params)
	in, _ := to.typ.InputFormat(to.params)
	f, ok := out.Intersect(in)
	if !ok {
		return stage.Format{}, fmt.Errorf("%w: %s [%v] -> %s [%v]", ErrIncompatiblePorts, from.name, out, to.name, in)
	}
	return f, nil
}

// SetParameter validates and assigns the parameter of stage. Links of
// the stage are rechecked with the new value.
func (g *Graph) SetParameter(h Handle, key string, value interface{}) error {
	if g.active {
		return ErrGraphAlreadyActive
	}
	n, err := g.node(h)
	if err != nil {
		return err
	}
	updated := n.params.Clone()
	if err := updated.Set(key, value); err != nil {
		return fmt.Errorf("stage %s: %w", n.name, err)
	}
	old := n.params
	n.params = updated
	formats := make(map[*Link]stage.Format, 2)
	for _, l := range []*Link{n.in, n.out} {
		if l == nil {
			continue
		}
		f, err := linkFormat(g.nodes[l.From.id], g.nodes[l.To.id])
		if err != nil {
			n.params = old
			return err
		}
		formats[l] = f
	}
	for l, f := range formats {
		l.Format = f
	}
	return nil
}

// Parameter returns the current value of stage parameter.
func (g *Graph) Parameter(h Handle, key string) (interface{}, error) {
	n, err := g.node(h)
	if err != nil {
		return nil, err
	}
	if _, ok := n.params.Spec(key); !ok {
		return nil, fmt.Errorf("stage %s: %w: %q", n.name, ErrUnknownParameter, key)
	}
	v, _ := n.params.Value(key)
	return v, nil
}

// Nodes returns the stages in construction order.
func (g *Graph) Nodes() []Node {
	nodes := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, Node{
			Handle: Handle{g: g, id: n.id},
			Name:   n.name,
			Branch: n.branch,
			Type:   n.typ,
			Params: n.params.Clone(),
			Input:  n.in,
			Output: n.out,
		})
	}
	return nodes
}

// Branch returns handles of the branch stages in data flow order.
func (g *Graph) Branch(b stage.Branch) []Handle {
	var handles []Handle
	for _, n := range g.nodes {
		if n.branch != b || n.in != nil {
			continue
		}
		for cur := n; cur != nil; {
			handles = append(handles, Handle{g: g, id: cur.id})
			if cur.out == nil {
				break
			}
			cur = g.nodes[cur.out.To.id]
		}
	}
	return handles
}

// Links returns all data links.
func (g *Graph) Links() []Link {
	links := make([]Link, 0, len(g.links))
	for _, l := range g.links {
		links = append(links, *l)
	}
	return links
}

// Active reports if graph was activated.
func (g *Graph) Active() bool {
	return g.active
}

// Validate checks structural invariants: every stage with an output
// port is linked downstream and every stage with an input port is linked
// upstream. Echo reference stages must be coupled in pairs.
func (g *Graph) Validate() error {
	for _, n := range g.nodes {
		if len(n.typ.Outputs) > 0 && n.out == nil {
			return fmt.Errorf("%w: %s has no outgoing link", ErrUnlinked, n.name)
		}
		if len(n.typ.Inputs) > 0 && n.in == nil {
			return fmt.Errorf("%w: %s has no incoming link", ErrUnlinked, n.name)
		}
	}
	if g.canceller.Valid() != g.probe.Valid() {
		return fmt.Errorf("%w: incomplete echo reference", ErrDanglingStage)
	}
	return nil
}

// Activate validates and negotiates the graph and freezes it.
func (g *Graph) Activate() error {
	if g.active {
		return ErrGraphAlreadyActive
	}
	if err := g.Validate(); err != nil {
		return err
	}
	if err := g.Negotiate(); err != nil {
		return err
	}
	g.active = true
	return nil
}
