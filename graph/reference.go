package graph

import (
	"fmt"

	"pipelined.dev/duplex/stage"
)

// CoupleReference binds the echo canceller to the probe that observes
// the rendered far-end signal. It's a named binding, no samples flow
// through ports because of it.
func (g *Graph) CoupleReference(canceller, probe Handle) error {
	if g.active {
		return ErrGraphAlreadyActive
	}
	c, err := g.node(canceller)
	if err != nil {
		return fmt.Errorf("canceller: %w", err)
	}
	p, err := g.node(probe)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if c.typ.Role != stage.ReferenceConsumer {
		return fmt.Errorf("%w: %s of type %s is not a canceller", ErrNotReferenceCapable, c.name, c.typ.Name)
	}
	if p.typ.Role != stage.ReferenceProducer {
		return fmt.Errorf("%w: %s of type %s is not a probe", ErrNotReferenceCapable, p.name, p.typ.Name)
	}
	if c.branch == p.branch {
		return fmt.Errorf("%w: echo reference must cross branches", ErrBranchMismatch)
	}
	g.canceller, g.probe = canceller, probe
	return nil
}

// Reference returns the coupled canceller and probe.
func (g *Graph) Reference() (canceller, probe Handle, ok bool) {
	return g.canceller, g.probe, g.canceller.Valid()
}
