package topology

// ShortestPath returns the hop sequence from one agent to another,
// including both ends, or nil when they are not connected.
func (g *Graph) ShortestPath(from, to string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.adjacent[from]; !ok {
		return nil
	}
	if _, ok := g.adjacent[to]; !ok {
		return nil
	}
	if from == to {
		return []string{from}
	}

	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range sortedKeys(g.adjacent[cur]) {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []string
				for at := to; at != ""; at = prev[at] {
					path = append([]string{at}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// IsConnected reports whether every agent can reach every other.
func (g *Graph) IsConnected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.order) <= 1 {
		return true
	}
	seen := map[string]bool{g.order[0]: true}
	stack := []string{g.order[0]}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.adjacent[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return len(seen) == len(g.order)
}
