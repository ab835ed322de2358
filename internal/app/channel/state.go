package channel

import "github.com/wFercho/iot-mining-board/internal/domain"

// State of the live update channel.
//
//	Idle → Connecting → Open → Closing → Idle
//	Connecting/Open → ReconnectScheduled → Connecting   (abnormal close)
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "unknown"
	}
}

// Status maps the state onto what consumers display.
func (s State) Status() domain.ConnectionStatus {
	switch s {
	case StateOpen:
		return domain.StatusConnected
	case StateConnecting, StateReconnectScheduled:
		return domain.StatusConnecting
	default:
		return domain.StatusDisconnected
	}
}
