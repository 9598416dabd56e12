// Package cluster analyzes the vouch graph to separate tightly-connected
// groups from the bridge edges joining them. A plain connected-components
// test would collapse a federation of tight groups into one component as
// soon as a single bridge vouch exists, so cross-cluster enforcement works
// on the components that remain after bridge edges are removed.
package cluster

// Node is a 32-byte member identifier.
type Node [32]byte

// BridgePolicy decides whether an edge touching a bridge node counts as
// cross-cluster. The source material leaves this unresolved, so it is an
// explicit configuration choice.
type BridgePolicy int

const (
	// BridgeCounts treats a vouch touching a bridge node as cross-cluster.
	BridgeCounts BridgePolicy = iota

	// BridgeRejected treats a vouch touching a bridge node as same-cluster.
	BridgeRejected
)

// Graph is an undirected graph of vouch relationships. A mutual vouch
// pair collapses to a single undirected edge: the analysis cares about
// which members are connected, not how many times.
type Graph struct {
	nodes map[Node]int     // nodes maps a node to its index
	ids   []Node           // ids maps an index back to its node
	adj   [][]edge         // adj is the adjacency list per node index
	seen  map[[2]int]bool  // seen dedupes undirected edges
	edges int              // edges is the number of distinct edges added
}

// edge is one half of an undirected edge.
type edge struct {
	to int // to is the neighbor's node index
	id int // id identifies the undirected edge (shared by both halves)
}

// NewGraph creates an empty vouch graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[Node]int),
		seen:  make(map[[2]int]bool),
	}
}

// AddEdge adds an undirected edge between a and b.
// Self-loops and duplicate edges (in either orientation) are ignored.
func (g *Graph) AddEdge(a, b Node) {
	if a == b {
		return
	}

	ai := g.intern(a)
	bi := g.intern(b)

	key := [2]int{ai, bi}
	if bi < ai {
		key = [2]int{bi, ai}
	}

	if g.seen[key] {
		return
	}
	g.seen[key] = true

	id := g.edges
	g.edges++

	g.adj[ai] = append(g.adj[ai], edge{to: bi, id: id})
	g.adj[bi] = append(g.adj[bi], edge{to: ai, id: id})
}

// Len returns the number of nodes with at least one edge.
func (g *Graph) Len() int {
	return len(g.ids)
}

// intern returns the index for a node, assigning one if new.
func (g *Graph) intern(n Node) int {
	if idx, ok := g.nodes[n]; ok {
		return idx
	}

	idx := len(g.ids)
	g.nodes[n] = idx
	g.ids = append(g.ids, n)
	g.adj = append(g.adj, nil)

	return idx
}
