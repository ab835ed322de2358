package store

import (
	"fmt"
	"time"

	"github.com/wFercho/iot-mining-board/internal/domain"
)

// Merge applies one sensor update to g and returns the resulting graph.
// Only the touched node and its sensor slice are copied; every other node
// shares its backing data with g. When the node or sensor is unknown g is
// returned unchanged together with domain.ErrUnknownNode or
// domain.ErrUnknownSensor. g itself is never modified.
func Merge(g *domain.MineGraph, ev domain.SensorUpdateEvent, now time.Time) (*domain.MineGraph, error) {
	ni := g.FindNode(ev.NodeID)
	if ni < 0 {
		return g, fmt.Errorf("%w %q", domain.ErrUnknownNode, ev.NodeID)
	}
	node := g.Nodes[ni]
	si := node.FindSensor(ev.SensorID)
	if si < 0 {
		return g, fmt.Errorf("%w %q on node %q", domain.ErrUnknownSensor, ev.SensorID, ev.NodeID)
	}

	sensors := make([]domain.Sensor, len(node.Sensors))
	copy(sensors, node.Sensors)
	sensors[si].Value = ev.Value
	sensors[si].Alert = ev.Alert.Clone()
	node.Sensors = sensors
	Derive(&node, now)

	nodes := make([]domain.Node, len(g.Nodes))
	copy(nodes, g.Nodes)
	nodes[ni] = node

	return &domain.MineGraph{ID: g.ID, MineID: g.MineID, Nodes: nodes}, nil
}

// Derive recomputes Color, HasAlert and AlertSince from the node's sensors.
// PELIGRO dominates; otherwise the first active alert in sensor order wins;
// with no active alert the node shows its base color, falling back to the
// zone default. AlertSince is stamped with now on a false→true transition
// and cleared when no alert remains. Derive is idempotent.
func Derive(n *domain.Node, now time.Time) {
	var danger, first *domain.Alert
	for i := range n.Sensors {
		a := n.Sensors[i].Alert
		if !a.Active() {
			continue
		}
		if first == nil {
			first = a
		}
		if a.Name == domain.AlertPeligro {
			danger = a
			break
		}
	}

	switch {
	case danger != nil:
		n.Color = danger.Color
	case first != nil:
		n.Color = first.Color
	case n.BaseColor != "":
		n.Color = n.BaseColor
	default:
		n.Color = domain.ZoneColor(n.Zone.Category)
	}

	active := first != nil
	switch {
	case active && !n.HasAlert:
		since := now
		n.AlertSince = &since
	case !active:
		n.AlertSince = nil
	}
	n.HasAlert = active
}

// prepare copies a freshly loaded graph, pins each node's base color and
// derives its visual state.
func prepare(g *domain.MineGraph, now time.Time) *domain.MineGraph {
	out := cloneGraph(g)
	for i := range out.Nodes {
		n := &out.Nodes[i]
		if n.BaseColor == "" {
			n.BaseColor = n.Color
		}
		if n.BaseColor == "" {
			n.BaseColor = domain.ZoneColor(n.Zone.Category)
		}
		n.HasAlert = false
		Derive(n, now)
	}
	return out
}

func cloneGraph(g *domain.MineGraph) *domain.MineGraph {
	if g == nil {
		return nil
	}
	out := &domain.MineGraph{ID: g.ID, MineID: g.MineID, Nodes: make([]domain.Node, len(g.Nodes))}
	for i, n := range g.Nodes {
		if n.Connections != nil {
			n.Connections = append([]string(nil), n.Connections...)
		}
		if n.Sensors != nil {
			sensors := make([]domain.Sensor, len(n.Sensors))
			for j, s := range n.Sensors {
				s.Alert = s.Alert.Clone()
				sensors[j] = s
			}
			n.Sensors = sensors
		}
		out.Nodes[i] = n
	}
	return out
}
