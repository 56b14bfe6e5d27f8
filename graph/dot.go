package graph

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"pipelined.dev/duplex/stage"
)

// WriteDot writes the graph in Graphviz format. Echo reference is drawn
// as a dashed edge from probe to canceller.
func (g *Graph) WriteDot(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph duplex {")
	fmt.Fprintln(bw, "\trankdir=LR;")
	fmt.Fprintln(bw, "\tnode [shape=box, style=rounded];")
	for _, b := range []stage.Branch{stage.Send, stage.Receive} {
		fmt.Fprintf(bw, "\tsubgraph cluster_%s {\n", b)
		fmt.Fprintf(bw, "\t\tlabel=%q;\n", b.String())
		for _, n := range g.nodes {
			if n.branch != b {
				continue
			}
			fmt.Fprintf(bw, "\t\t%q [label=%q];\n", n.name, nodeLabel(n))
		}
		fmt.Fprintln(bw, "\t}")
	}
	for _, l := range g.links {
		fmt.Fprintf(bw, "\t%q -> %q [label=%q];\n", g.nodes[l.From.id].name, g.nodes[l.To.id].name, l.Format.String())
	}
	if c, p, ok := g.Reference(); ok {
		fmt.Fprintf(bw, "\t%q -> %q [style=dashed, label=\"echo reference\"];\n", p.Name(), c.Name())
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func nodeLabel(n *node) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n%s (%s)", n.name, n.typ.Name, n.typ.Kind)
	for _, k := range n.params.Keys() {
		if v, ok := n.params.Value(k); ok {
			fmt.Fprintf(&sb, "\n%s=%v", k, v)
		}
	}
	return sb.String()
}
