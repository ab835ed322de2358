package domain

// Alert names emitted by the backend, in increasing severity.
const (
	AlertNormal      = "NORMAL"
	AlertAdvertencia = "ADVERTENCIA"
	AlertPeligro     = "PELIGRO"
)

// Default colors per zone category, used when no alert is active and the
// backend supplied none.
const (
	ColorBocamina   = "blue"
	ColorExtraction = "orange"
	ColorDefault    = "#2268e0"
)

// Alert is a named severity label attached to a sensor reading.
type Alert struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Active reports whether the alert is present and not NORMAL.
func (a *Alert) Active() bool {
	return a != nil && a.Name != AlertNormal
}

// Clone returns a detached copy so snapshots never share alert pointers
// with inbound events.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// ZoneColor returns the default display color for a zone category.
func ZoneColor(category string) string {
	switch category {
	case ZoneBocamina:
		return ColorBocamina
	case ZoneExtraction:
		return ColorExtraction
	default:
		return ColorDefault
	}
}
