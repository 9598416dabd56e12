package cluster

// Analysis is the result of one full pass over the vouch graph.
// It must be recomputed whenever the graph changes materially; bridges
// cannot be patched incrementally.
type Analysis struct {
	clusterOf  map[Node]int  // clusterOf maps a node to its tight-cluster id
	bridgeNode map[Node]bool // bridgeNode marks nodes whose every edge is a bridge
	bridges    [][2]Node     // bridges lists the bridge edges found
	clusters   int           // clusters is the number of tight clusters
}

// Analyze finds bridges via a single depth-first traversal tracking
// discovery time and low-link values, removes them, and labels the
// remaining connected components as tight clusters. Nodes connected only
// by bridges belong to no cluster and are reported as bridge nodes.
// Runs in O(V+E).
func Analyze(g *Graph) *Analysis {
	n := g.Len()

	a := &Analysis{
		clusterOf:  make(map[Node]int, n),
		bridgeNode: make(map[Node]bool),
	}

	if n == 0 {
		return a
	}

	isBridge := findBridges(g)

	// Components over non-bridge edges only.
	comp := make([]int, n)
	for i := range comp {
		comp[i] = -1
	}

	next := 0

	for start := 0; start < n; start++ {
		if comp[start] != -1 || !hasTightEdge(g, start, isBridge) {
			continue
		}

		floodTight(g, start, next, comp, isBridge)
		next++
	}

	a.clusters = next

	for i, id := range comp {
		node := g.ids[i]

		if id == -1 {
			// Every incident edge is a bridge.
			a.bridgeNode[node] = true
			continue
		}

		a.clusterOf[node] = id
	}

	a.bridges = collectBridges(g, isBridge)

	return a
}

// findBridges returns a set of edge ids that are bridges.
func findBridges(g *Graph) map[int]bool {
	n := g.Len()

	disc := make([]int, n)
	low := make([]int, n)
	for i := range disc {
		disc[i] = -1
	}

	isBridge := make(map[int]bool)
	timer := 0

	var dfs func(u, parentEdge int)
	dfs = func(u, parentEdge int) {
		disc[u] = timer
		low[u] = timer
		timer++

		for _, e := range g.adj[u] {
			if e.id == parentEdge {
				continue
			}

			if disc[e.to] == -1 {
				dfs(e.to, e.id)

				if low[e.to] < low[u] {
					low[u] = low[e.to]
				}

				if low[e.to] > disc[u] {
					isBridge[e.id] = true
				}
			} else if disc[e.to] < low[u] {
				low[u] = disc[e.to]
			}
		}
	}

	for i := 0; i < n; i++ {
		if disc[i] == -1 {
			dfs(i, -1)
		}
	}

	return isBridge
}

// hasTightEdge reports whether node u has at least one non-bridge edge.
func hasTightEdge(g *Graph, u int, isBridge map[int]bool) bool {
	for _, e := range g.adj[u] {
		if !isBridge[e.id] {
			return true
		}
	}

	return false
}

// floodTight labels the component reachable from start via non-bridge edges.
func floodTight(g *Graph, start, id int, comp []int, isBridge map[int]bool) {
	stack := []int{start}
	comp[start] = id

	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, e := range g.adj[u] {
			if isBridge[e.id] || comp[e.to] != -1 {
				continue
			}

			comp[e.to] = id
			stack = append(stack, e.to)
		}
	}
}

// collectBridges lists the endpoints of each bridge edge.
func collectBridges(g *Graph, isBridge map[int]bool) [][2]Node {
	var out [][2]Node

	emitted := make(map[int]bool)

	for u := range g.adj {
		for _, e := range g.adj[u] {
			if !isBridge[e.id] || emitted[e.id] {
				continue
			}

			emitted[e.id] = true
			out = append(out, [2]Node{g.ids[u], g.ids[e.to]})
		}
	}

	return out
}

// Clusters returns the number of tight clusters found.
func (a *Analysis) Clusters() int {
	return a.clusters
}

// ClusterOf returns the tight-cluster id of a node. The second return is
// false for bridge nodes and nodes absent from the graph.
func (a *Analysis) ClusterOf(n Node) (int, bool) {
	id, ok := a.clusterOf[n]
	return id, ok
}

// IsBridgeNode reports whether every edge of the node is a bridge.
func (a *Analysis) IsBridgeNode(n Node) bool {
	return a.bridgeNode[n]
}

// Bridges returns the bridge edges found.
func (a *Analysis) Bridges() [][2]Node {
	return a.bridges
}

// CrossCluster reports whether a vouch between a and b counts as
// cross-cluster. Members of two different tight clusters always do;
// members of the same cluster never do; pairs where either side is a
// bridge node (or absent from the graph entirely) follow the policy.
func (a *Analysis) CrossCluster(x, y Node, policy BridgePolicy) bool {
	cx, okx := a.ClusterOf(x)
	cy, oky := a.ClusterOf(y)

	if okx && oky {
		return cx != cy
	}

	return policy == BridgeCounts
}
