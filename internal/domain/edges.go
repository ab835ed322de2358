package domain

// Edge is an undirected connection between two nodes, From < To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Edges returns every connection once, ordered so From < To. A pair listed
// by both ends collapses into one edge; references to nodes missing from
// the graph are skipped.
func Edges(g *MineGraph) []Edge {
	if g == nil {
		return nil
	}
	present := make(map[string]struct{}, len(g.Nodes))
	for i := range g.Nodes {
		present[g.Nodes[i].ID] = struct{}{}
	}

	seen := make(map[Edge]struct{})
	out := make([]Edge, 0, len(g.Nodes))
	for i := range g.Nodes {
		self := g.Nodes[i].ID
		for _, other := range g.Nodes[i].Connections {
			if self == other {
				continue
			}
			if _, ok := present[other]; !ok {
				continue
			}
			e := Edge{From: self, To: other}
			if other < self {
				e = Edge{From: other, To: self}
			}
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}
