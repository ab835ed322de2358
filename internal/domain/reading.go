package domain

import "time"

// Reading is the history record of one update the store applied.
type Reading struct {
	MineID     string    `json:"mine_id"`
	NodeID     string    `json:"node_id"`
	SensorID   string    `json:"sensor_id"`
	Category   string    `json:"category"`
	Value      float64   `json:"value"`
	AlertName  string    `json:"alert_name,omitempty"`
	AlertColor string    `json:"alert_color,omitempty"`
	Timestamp  time.Time `json:"ts"`
	Seq        uint64    `json:"seq"`
}
