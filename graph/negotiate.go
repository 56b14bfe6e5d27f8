package graph

import (
	"fmt"

	"pipelined.dev/duplex/stage"
)

// Negotiate fixes the format of every link. Formats are propagated
// downstream from sources, then filters pass unconstrained fields
// upstream, so converters only change what the next stage requires.
func (g *Graph) Negotiate() error {
	for _, n := range g.nodes {
		if n.in != nil || n.out == nil {
			continue
		}
		chain := g.chain(n)
		if err := g.forward(chain); err != nil {
			return err
		}
		g.backward(chain)
		for _, c := range chain {
			if c.out != nil && !c.out.Format.Fixed() {
				return fmt.Errorf("%w: cannot fix format %v after %s", ErrIncompatiblePorts, c.out.Format, c.name)
			}
		}
	}
	return nil
}

func (g *Graph) chain(n *node) []*node {
	var chain []*node
	for cur := n; cur != nil; {
		chain = append(chain, cur)
		if cur.out == nil {
			break
		}
		cur = g.nodes[cur.out.To.id]
	}
	return chain
}

func (g *Graph) forward(chain []*node) error {
	for _, n := range chain {
		if n.out == nil {
			return nil
		}
		var (
			out stage.Format
			ok  bool
		)
		if n.in == nil {
			out, ok = n.typ.OutputFormat(n.params)
		} else {
			out, ok = n.typ.Transformed(n.in.Format, n.params)
		}
		if !ok {
			return fmt.Errorf("%w: %s cannot produce its output", ErrIncompatiblePorts, n.name)
		}
		next := g.nodes[n.out.To.id]
		in, _ := next.typ.InputFormat(next.params)
		f, ok := out.Intersect(in)
		if !ok {
			return fmt.Errorf("%w: %s [%v] -> %s [%v]", ErrIncompatiblePorts, n.name, out, next.name, in)
		}
		n.out.Format = f
	}
	return nil
}

func (g *Graph) backward(chain []*node) {
	for i := len(chain) - 1; i >= 0; i-- {
		n := chain[i]
		if n.typ.Kind != stage.Filter || n.in == nil || n.out == nil {
			continue
		}
		candidate := n.in.Format.Fill(n.out.Format)
		out, ok := n.typ.Transformed(candidate, n.params)
		if !ok {
			continue
		}
		if _, ok := out.Intersect(n.out.Format); ok {
			n.in.Format = candidate
		}
	}
}
