package callgraph

import (
	"fmt"
	"io"
	"os"
)

// WriteDOT writes a DOT representation of the call graph. External
// functions are drawn grey, functions that cannot be encapsulated are red.
func (cg *CallGraph) WriteDOT(w io.Writer) error {
	fmt.Fprintf(w, "digraph CallGraph {\n")
	fmt.Fprintf(w, "  node [shape=box, style=filled, fillcolor=lightblue];\n")

	for _, n := range cg.Nodes() {
		if n.Name == NullFunction {
			continue
		}
		color := "lightblue"
		switch {
		case n.IsExternal:
			color = "lightgrey"
		case n.HasDoublePointerArg:
			color = "salmon"
		}
		fmt.Fprintf(w, "  %q [fillcolor=%s];\n", n.Name, color)
	}

	for _, n := range cg.Nodes() {
		if n.Name == NullFunction {
			continue
		}
		for _, callee := range n.Calls {
			if callee == NullFunction {
				continue
			}
			fmt.Fprintf(w, "  %q -> %q;\n", n.Name, callee)
		}
	}

	_, err := fmt.Fprintf(w, "}\n")
	return err
}

// GenerateDOTFile writes the DOT representation to outputPath.
func (cg *CallGraph) GenerateDOTFile(outputPath string) error {
	dotFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("error creating DOT file: %v", err)
	}
	defer dotFile.Close()

	return cg.WriteDOT(dotFile)
}
