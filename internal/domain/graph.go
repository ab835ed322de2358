package domain

import (
	"encoding/json"
	"time"
)

// Zone categories known to the board. Any other string is accepted and
// rendered with the default tunnel color.
const (
	ZoneBocamina   = "bocamina"
	ZoneTunel      = "tunel"
	ZoneExtraction = "extraction"
)

// Zone is the physical area a node belongs to.
type Zone struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

// UnmarshalJSON accepts both "category" and the older "type" key.
func (z *Zone) UnmarshalJSON(b []byte) error {
	var raw struct {
		Category string `json:"category"`
		Type     string `json:"type"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	z.Category = raw.Category
	if z.Category == "" {
		z.Category = raw.Type
	}
	z.Name = raw.Name
	return nil
}

// Position is a node location in scene coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Sensor is one measurement channel attached to a node.
type Sensor struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	Unit     string  `json:"unit"`
	Value    float64 `json:"value"`
	Alert    *Alert  `json:"alert,omitempty"`
}

// Node is a sensor-bearing location inside a mine. Color, HasAlert and
// AlertSince are derived from Sensors (and BaseColor) and must never drift
// from them.
type Node struct {
	ID          string     `json:"id"`
	Zone        Zone       `json:"zone"`
	Position    Position   `json:"position"`
	Connections []string   `json:"connections"`
	Sensors     []Sensor   `json:"sensors"`
	Color       string     `json:"color,omitempty"`
	BaseColor   string     `json:"baseColor,omitempty"`
	HasAlert    bool       `json:"hasAlert"`
	AlertSince  *time.Time `json:"alertSince,omitempty"`
}

// UnmarshalJSON accepts the misspelled "conections" key some backends emit.
func (n *Node) UnmarshalJSON(b []byte) error {
	type plain Node
	var raw struct {
		plain
		Conections []string `json:"conections"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*n = Node(raw.plain)
	if len(n.Connections) == 0 && len(raw.Conections) > 0 {
		n.Connections = raw.Conections
	}
	return nil
}

// FindSensor returns the index of the sensor with the given id or -1.
func (n *Node) FindSensor(id string) int {
	for i := range n.Sensors {
		if n.Sensors[i].ID == id {
			return i
		}
	}
	return -1
}

// MineGraph is the full node graph for one mine.
type MineGraph struct {
	ID     string `json:"id"`
	MineID string `json:"mine_id"`
	Nodes  []Node `json:"nodes"`
}

// FindNode returns the index of the node with the given id or -1.
func (g *MineGraph) FindNode(id string) int {
	if g == nil {
		return -1
	}
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// SensorUpdateEvent is a partial update for exactly one sensor. It never
// carries topology.
type SensorUpdateEvent struct {
	MineID   string  `json:"mineId"`
	NodeID   string  `json:"nodeId"`
	SensorID string  `json:"sensorId"`
	Category string  `json:"category"`
	Value    float64 `json:"value"`
	Alert    *Alert  `json:"alert,omitempty"`
}

// ConnectionStatus is what consumers see of the live channel.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)
