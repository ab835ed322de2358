package opcua

import (
	"errors"
	"fmt"

	"github.com/gopcua/opcua/ua"

	"github.com/wFercho/iot-mining-board/internal/domain"
)

// Alert colors emitted for threshold crossings.
const (
	colorNormal  = "green"
	colorWarning = "orange"
	colorDanger  = "red"
)

// TagConfig maps one OPC UA tag onto a board sensor.
type TagConfig struct {
	Tag         string   `yaml:"tag"`
	NodeID      string   `yaml:"node_id"`
	SensorID    string   `yaml:"sensor_id"`
	Category    string   `yaml:"category"`
	Unit        string   `yaml:"unit"`
	WarnAbove   *float64 `yaml:"warn_above"`
	DangerAbove *float64 `yaml:"danger_above"`
}

func (t TagConfig) validate() error {
	switch {
	case t.Tag == "":
		return errors.New("tag is required")
	case t.NodeID == "" || t.SensorID == "":
		return fmt.Errorf("tag %q: node_id and sensor_id are required", t.Tag)
	case t.WarnAbove != nil && t.DangerAbove != nil && *t.DangerAbove < *t.WarnAbove:
		return fmt.Errorf("tag %q: danger_above is below warn_above", t.Tag)
	}
	if _, err := ua.ParseNodeID(t.Tag); err != nil {
		return fmt.Errorf("tag %q: %w", t.Tag, err)
	}
	return nil
}

// Classify returns the alert for v. Without thresholds there is no alert.
func (t TagConfig) Classify(v float64) *domain.Alert {
	if t.WarnAbove == nil && t.DangerAbove == nil {
		return nil
	}
	switch {
	case t.DangerAbove != nil && v > *t.DangerAbove:
		return &domain.Alert{Name: domain.AlertPeligro, Color: colorDanger}
	case t.WarnAbove != nil && v > *t.WarnAbove:
		return &domain.Alert{Name: domain.AlertAdvertencia, Color: colorWarning}
	default:
		return &domain.Alert{Name: domain.AlertNormal, Color: colorNormal}
	}
}

// Event builds the update a data change on this tag produces.
func (t TagConfig) Event(mineID string, v float64) *domain.SensorUpdateEvent {
	return &domain.SensorUpdateEvent{
		MineID:   mineID,
		NodeID:   t.NodeID,
		SensorID: t.SensorID,
		Category: t.Category,
		Value:    v,
		Alert:    t.Classify(v),
	}
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
