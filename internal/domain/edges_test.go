package domain

import "testing"

func TestEdgesDedupesAndSkipsDangling(t *testing.T) {
	g := &MineGraph{Nodes: []Node{
		{ID: "a", Connections: []string{"b", "ghost"}},
		{ID: "b", Connections: []string{"a", "c"}},
		{ID: "c", Connections: []string{"b", "c"}},
	}}

	edges := Edges(g)
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d: %+v", len(edges), edges)
	}
	if edges[0] != (Edge{From: "a", To: "b"}) {
		t.Fatalf("unexpected first edge %+v", edges[0])
	}
	if edges[1] != (Edge{From: "b", To: "c"}) {
		t.Fatalf("unexpected second edge %+v", edges[1])
	}
}

func TestEdgesKeepsOneSidedConnection(t *testing.T) {
	g := &MineGraph{Nodes: []Node{
		{ID: "z", Connections: []string{"a"}},
		{ID: "a"},
	}}

	edges := Edges(g)
	if len(edges) != 1 || edges[0] != (Edge{From: "a", To: "z"}) {
		t.Fatalf("unexpected edges %+v", edges)
	}
}

func TestZoneColor(t *testing.T) {
	cases := map[string]string{
		ZoneBocamina:   ColorBocamina,
		ZoneExtraction: ColorExtraction,
		ZoneTunel:      ColorDefault,
		"ventilacion":  ColorDefault,
	}
	for category, want := range cases {
		if got := ZoneColor(category); got != want {
			t.Fatalf("ZoneColor(%q) = %s, want %s", category, got, want)
		}
	}
}
