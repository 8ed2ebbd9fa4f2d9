// Package callgraph holds the call graph of the analyzed program together
// with its dependency order, and derives the work units of both analysis
// phases from it.
package callgraph

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/benbjohnson/immutable"

	"macke/internal/llvm"
)

// NullFunction is the pseudo node LLVM uses for indirect call targets.
const NullFunction = "null function"

// Main is the name of the program entry point.
const Main = "main"

// Node represents a function in the call graph.
type Node struct {
	Name                string
	Calls               []string
	CalledBy            []string
	IsExternal          bool
	HasDoublePointerArg bool
}

// Unit is one element of the topological order: a single function or a
// strongly connected component collapsed into one unit.
type Unit struct {
	Functions []string
	// Cyclic is set for components with more than one member and for
	// functions calling themselves.
	Cyclic bool
}

// Call is a caller/callee edge.
type Call struct {
	Caller string
	Callee string
}

func (c Call) String() string {
	return c.Caller + "->" + c.Callee
}

// Extractor is the part of the compiler toolchain the call graph needs.
type Extractor interface {
	ExtractCallgraph(ctx context.Context, bitcode string) (map[string]llvm.NodeInfo, error)
	ListAllFuncsTopological(ctx context.Context, bitcode string) ([][]string, error)
}

// CallGraph is read-only after construction.
type CallGraph struct {
	nodes    *immutable.SortedMap
	topology []Unit
}

// Build extracts the call graph of bitcode. The topology reported by the
// toolchain is used when it agrees with the extracted graph, otherwise it is
// recomputed.
func Build(ctx context.Context, ext Extractor, bitcode string) (*CallGraph, error) {
	info, err := ext.ExtractCallgraph(ctx, bitcode)
	if err != nil {
		return nil, err
	}
	if len(info) == 0 {
		return nil, &llvm.ToolInvocationError{
			Tool: "extractcallgraph",
			Args: []string{bitcode},
			Err:  fmt.Errorf("empty call graph"),
		}
	}
	cg := New(info)

	reported, err := ext.ListAllFuncsTopological(ctx, bitcode)
	if err != nil {
		return nil, err
	}
	if units, ok := cg.adoptTopology(reported); ok {
		cg.topology = units
	} else {
		log.Printf("[callgraph] Warning: reported topology of %s does not match its call graph, using computed order", bitcode)
	}
	return cg, nil
}

// New builds a call graph from extracted node information. Edges to unknown
// functions are dropped and CalledBy is rebuilt as the inverse of Calls.
func New(info map[string]llvm.NodeInfo) *CallGraph {
	calls := make(map[string]map[string]bool, len(info))
	calledBy := make(map[string]map[string]bool, len(info))
	for name := range info {
		calls[name] = make(map[string]bool)
		calledBy[name] = make(map[string]bool)
	}
	for name, n := range info {
		for _, callee := range n.Calls {
			if _, ok := info[callee]; !ok {
				continue
			}
			calls[name][callee] = true
			calledBy[callee][name] = true
		}
	}

	nodes := immutable.NewSortedMap(&stringComparer{})
	for name, n := range info {
		nodes = nodes.Set(name, &Node{
			Name:                name,
			Calls:               sortedKeys(calls[name]),
			CalledBy:            sortedKeys(calledBy[name]),
			IsExternal:          n.IsExternal,
			HasDoublePointerArg: n.HasDoublePtrArg,
		})
	}

	cg := &CallGraph{nodes: nodes}
	cg.topology = cg.computeTopology()
	return cg
}

// Node returns the node of a function.
func (cg *CallGraph) Node(name string) (*Node, bool) {
	v, ok := cg.nodes.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*Node), true
}

func (cg *CallGraph) Contains(name string) bool {
	_, ok := cg.nodes.Get(name)
	return ok
}

func (cg *CallGraph) Len() int {
	return cg.nodes.Len()
}

// Nodes returns all nodes ordered by name.
func (cg *CallGraph) Nodes() []*Node {
	nodes := make([]*Node, 0, cg.nodes.Len())
	itr := cg.nodes.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		nodes = append(nodes, v.(*Node))
	}
	return nodes
}

// Names returns all function names in order.
func (cg *CallGraph) Names() []string {
	names := make([]string, 0, cg.nodes.Len())
	itr := cg.nodes.Iterator()
	for !itr.Done() {
		k, _ := itr.Next()
		names = append(names, k.(string))
	}
	return names
}

// Topology returns the units of the graph, deepest callees first.
func (cg *CallGraph) Topology() []Unit {
	return cg.topology
}

// ListSymbolicEncapsulable returns every function that can be made the entry
// point of an isolated symbolic run, deepest callees first. Functions taking
// a pointer to a pointer are left out, except main when it is kept.
func (cg *CallGraph) ListSymbolicEncapsulable(removeMain bool) []string {
	var result []string
	for _, unit := range cg.topology {
		for _, name := range unit.Functions {
			n, ok := cg.Node(name)
			if !ok || n.IsExternal || name == NullFunction {
				continue
			}
			if name == Main {
				if !removeMain {
					result = append(result, name)
				}
				continue
			}
			if n.HasDoublePointerArg {
				continue
			}
			result = append(result, name)
		}
	}
	return result
}

func (cg *CallGraph) canCall(caller string, removeMain bool) bool {
	n, ok := cg.Node(caller)
	if !ok || n.IsExternal || caller == NullFunction {
		return false
	}
	if caller == Main {
		return !removeMain
	}
	return !n.HasDoublePointerArg
}

func (cg *CallGraph) canBeCalled(callee string) bool {
	n, ok := cg.Node(callee)
	return ok && !n.IsExternal && callee != NullFunction
}

// GroupIndependentCalls partitions every caller/callee edge eligible for
// error propagation into batches that can run in parallel. No function is
// caller and callee within the same batch, and every edge is placed after
// all batches in which its callee acts as a caller. Edges inside a cycle get
// a batch of their own after the rest of their component has been handled.
func (cg *CallGraph) GroupIndependentCalls(removeMain bool) [][]Call {
	var batches [][]Call
	var closed []bool

	place := func(c Call, from int) int {
		for i := from; ; i++ {
			if i == len(batches) {
				batches = append(batches, nil)
				closed = append(closed, false)
			}
			if !closed[i] {
				batches[i] = append(batches[i], c)
				return i
			}
		}
	}

	ready := make(map[string]int)
	for _, unit := range cg.topology {
		members := make(map[string]bool, len(unit.Functions))
		for _, name := range unit.Functions {
			members[name] = true
		}

		last := -1
		var internal []Call
		for _, caller := range unit.Functions {
			if !cg.canCall(caller, removeMain) {
				continue
			}
			n, _ := cg.Node(caller)
			for _, callee := range n.Calls {
				if callee == caller || !cg.canBeCalled(callee) {
					continue
				}
				if members[callee] {
					internal = append(internal, Call{Caller: caller, Callee: callee})
					continue
				}
				if i := place(Call{Caller: caller, Callee: callee}, ready[callee]); i > last {
					last = i
				}
			}
		}
		for _, c := range internal {
			batches = append(batches, []Call{c})
			closed = append(closed, true)
			last = len(batches) - 1
		}
		for _, name := range unit.Functions {
			ready[name] = last + 1
		}
	}

	for i, batch := range batches {
		if err := checkDisjoint(batch); err != nil {
			panic(fmt.Sprintf("callgraph: batch %d: %v", i, err))
		}
	}
	return batches
}

func checkDisjoint(batch []Call) error {
	callers := make(map[string]bool, len(batch))
	for _, c := range batch {
		callers[c.Caller] = true
	}
	for _, c := range batch {
		if callers[c.Callee] {
			return fmt.Errorf("%s is both caller and callee", c.Callee)
		}
	}
	return nil
}

// adoptTopology converts a reported topology into units if it lists every
// function exactly once and no unit calls into a later one.
func (cg *CallGraph) adoptTopology(reported [][]string) ([]Unit, bool) {
	position := make(map[string]int)
	units := make([]Unit, 0, len(reported))
	for i, group := range reported {
		if len(group) == 0 {
			return nil, false
		}
		members := append([]string(nil), group...)
		sort.Strings(members)
		for _, name := range members {
			if !cg.Contains(name) {
				return nil, false
			}
			if _, dup := position[name]; dup {
				return nil, false
			}
			position[name] = i
		}
		units = append(units, Unit{Functions: members, Cyclic: cg.isCyclic(members)})
	}
	if len(position) != cg.Len() {
		return nil, false
	}
	for _, n := range cg.Nodes() {
		for _, callee := range n.Calls {
			if position[callee] > position[n.Name] {
				return nil, false
			}
		}
	}
	return units, true
}

func (cg *CallGraph) isCyclic(members []string) bool {
	if len(members) > 1 {
		return true
	}
	n, ok := cg.Node(members[0])
	if !ok {
		return false
	}
	for _, callee := range n.Calls {
		if callee == n.Name {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stringComparer orders function names. Implements immutable.Comparer.
type stringComparer struct{}

func (c *stringComparer) Compare(a, b interface{}) int {
	if i, j := a.(string), b.(string); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
