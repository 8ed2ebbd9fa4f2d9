package callgraph

import "sort"

// computeTopology collapses strongly connected components with Tarjan's
// algorithm and orders the resulting DAG callees first. Ties are broken by
// the alphabetically smallest member of each unit.
func (cg *CallGraph) computeTopology() []Unit {
	sccs := cg.stronglyConnected()

	component := make(map[string]int)
	for i, scc := range sccs {
		for _, name := range scc {
			component[name] = i
		}
	}

	// pending[i] counts the distinct components i still waits for.
	pending := make([]int, len(sccs))
	dependents := make([]map[int]bool, len(sccs))
	for i := range sccs {
		dependents[i] = make(map[int]bool)
	}
	for i, scc := range sccs {
		deps := make(map[int]bool)
		for _, name := range scc {
			n, _ := cg.Node(name)
			for _, callee := range n.Calls {
				if j := component[callee]; j != i {
					deps[j] = true
				}
			}
		}
		pending[i] = len(deps)
		for j := range deps {
			dependents[j][i] = true
		}
	}

	var ready []int
	for i := range sccs {
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}

	units := make([]Unit, 0, len(sccs))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool {
			return sccs[ready[a]][0] < sccs[ready[b]][0]
		})
		next := ready[0]
		ready = ready[1:]

		units = append(units, Unit{Functions: sccs[next], Cyclic: cg.isCyclic(sccs[next])})
		for dep := range dependents[next] {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return units
}

// stronglyConnected returns every component with its members sorted.
func (cg *CallGraph) stronglyConnected() [][]string {
	index := 0
	var stack []string
	onStack := make(map[string]bool)
	indices := make(map[string]int)
	lowlinks := make(map[string]int)
	var sccs [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlinks[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		n, _ := cg.Node(v)
		for _, w := range n.Calls {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				if lowlinks[w] < lowlinks[v] {
					lowlinks[v] = lowlinks[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlinks[v] {
					lowlinks[v] = indices[w]
				}
			}
		}

		if lowlinks[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Strings(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, name := range cg.Names() {
		if _, visited := indices[name]; !visited {
			strongConnect(name)
		}
	}
	return sccs
}
