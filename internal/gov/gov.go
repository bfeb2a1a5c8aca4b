// Package gov implements the graph-of-verification check. A small DAG of
// premises, calculations, evidence, and claims is validated structurally
// and then evaluated in topological order: leaf nodes must carry verified
// numeric proofs, and a claim fails when any supporting node failed.
package gov

// Node types accepted by the validator.
var allowedTypes = map[string]bool{
	"premise":     true,
	"claim":       true,
	"calculation": true,
	"evidence":    true,
	"observation": true,
}

// Node is one vertex of the verification graph.
type Node struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	// PCN is the proof token the node depends on, when any.
	PCN string `json:"pcn,omitempty"`
	// Assert names a declared assertion checked during evaluation.
	Assert string `json:"assert,omitempty"`
	Label  string `json:"label,omitempty"`
}

// Edge points from a supporting node to the node it supports.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DAG is the full verification graph.
type DAG struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ValidateDAG checks graph structure: edge references resolve, node types
// are known, claims have at least one supporting edge, and the graph is
// acyclic. Returns ok plus deduplicated failure codes.
func ValidateDAG(dag DAG) (bool, []string) {
	nodes := make(map[string]Node, len(dag.Nodes))
	for _, n := range dag.Nodes {
		if n.ID != "" {
			nodes[n.ID] = n
		}
	}

	var failures []string
	for _, e := range dag.Edges {
		if _, ok := nodes[e.From]; !ok {
			failures = append(failures, "missing_node:"+e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			failures = append(failures, "missing_node:"+e.To)
		}
	}

	for _, n := range dag.Nodes {
		if n.ID == "" {
			continue
		}
		if !allowedTypes[n.Type] {
			failures = append(failures, "invalid_type:"+n.ID)
		}
	}

	incoming := make(map[string]int, len(nodes))
	for _, e := range dag.Edges {
		if _, ok := nodes[e.To]; ok {
			incoming[e.To]++
		}
	}
	for id, n := range nodes {
		if n.Type == "claim" && incoming[id] == 0 {
			failures = append(failures, "unsupported_claim:"+id)
		}
	}

	failures = append(failures, detectCycles(dag.Edges)...)
	failures = dedupe(failures)
	return len(failures) == 0, failures
}

// EvaluateDAG validates and then walks the graph in topological order.
// pcnStatus resolves a proof token to its status; assertOK resolves a
// named assertion. Either may be nil, in which case the corresponding
// requirement fails closed.
func EvaluateDAG(dag DAG, pcnStatus func(token string) string, assertOK func(name string) bool) (bool, []string) {
	if ok, failures := ValidateDAG(dag); !ok {
		return false, failures
	}

	nodes := make(map[string]Node, len(dag.Nodes))
	for _, n := range dag.Nodes {
		nodes[n.ID] = n
	}
	parents := make(map[string][]string)
	children := make(map[string][]string)
	indegree := make(map[string]int, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for _, e := range dag.Edges {
		parents[e.To] = append(parents[e.To], e.From)
		children[e.From] = append(children[e.From], e.To)
		indegree[e.To]++
	}

	var queue []string
	for _, n := range dag.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	var failures []string
	failed := make(map[string]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := nodes[id]

		switch node.Type {
		case "premise", "calculation", "evidence", "observation":
			if node.PCN != "" {
				status := ""
				if pcnStatus != nil {
					status = pcnStatus(node.PCN)
				}
				if status != "verified" {
					failures = append(failures, "pcn_failure:"+id)
					failed[id] = true
				}
			}
			if node.Assert != "" && !failed[id] {
				ok := assertOK != nil && assertOK(node.Assert)
				if !ok {
					failures = append(failures, "assert_failure:"+id)
					failed[id] = true
				}
			}
		case "claim":
			for _, parent := range parents[id] {
				if failed[parent] {
					failures = append(failures, "dependency_failure:"+id)
					failed[id] = true
					break
				}
			}
		}

		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	return len(failures) == 0, failures
}

func detectCycles(edges []Edge) []string {
	adj := make(map[string][]string)
	for _, e := range edges {
		if e.From != "" && e.To != "" {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var failures []string

	var dfs func(node string)
	dfs = func(node string) {
		color[node] = gray
		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				failures = append(failures, "cycle:"+next)
			case white:
				dfs(next)
			}
		}
		color[node] = black
	}
	for node := range adj {
		if color[node] == white {
			dfs(node)
		}
	}
	return failures
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
