package graph

// tarjanSCC computes the strongly connected components of a directed graph.
// nodes gives a deterministic visiting order; adj maps node -> successors.
// Components are returned in reverse topological order of the condensation.
func tarjanSCC(nodes []string, adj map[string][]string) [][]string {
	type frame struct {
		id      string
		succIdx int
	}

	index := make(map[string]int, len(nodes))
	lowlink := make(map[string]int, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	var stack []string
	var components [][]string
	next := 0

	// Iterative Tarjan: an explicit frame stack avoids deep recursion on
	// long chains.
	var visit func(root string)
	visit = func(root string) {
		frames := []frame{{id: root}}
		index[root] = next
		lowlink[root] = next
		next++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			succs := adj[f.id]

			if f.succIdx < len(succs) {
				succ := succs[f.succIdx]
				f.succIdx++
				if _, seen := index[succ]; !seen {
					index[succ] = next
					lowlink[succ] = next
					next++
					stack = append(stack, succ)
					onStack[succ] = true
					frames = append(frames, frame{id: succ})
				} else if onStack[succ] {
					if index[succ] < lowlink[f.id] {
						lowlink[f.id] = index[succ]
					}
				}
				continue
			}

			// All successors explored: pop the frame.
			if lowlink[f.id] == index[f.id] {
				var comp []string
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[top] = false
					comp = append(comp, top)
					if top == f.id {
						break
					}
				}
				components = append(components, comp)
			}
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[f.id] < lowlink[parent.id] {
					lowlink[parent.id] = lowlink[f.id]
				}
			}
		}
	}

	for _, id := range nodes {
		if _, seen := index[id]; !seen {
			visit(id)
		}
	}

	return components
}
