package board

import (
	"github.com/wFercho/iot-mining-board/internal/adapters/opcua"
	"github.com/wFercho/iot-mining-board/internal/app/channel"
	"github.com/wFercho/iot-mining-board/internal/app/config"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// BackendConfig points at the snapshot REST API and the live endpoint.
	BackendConfig = config.BackendConfig
	// ChannelConfig tunes reconnect backoff and liveness.
	ChannelConfig = channel.Config
	// MineConfig selects a mine on startup.
	MineConfig = config.MineConfig
	// HTTPConfig configures the consumer API.
	HTTPConfig = config.HTTPConfig
	// HTTPUser is one basic auth account.
	HTTPUser = config.HTTPUser
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// HistoryConfig configures reading history (WAL, queue, Timescale).
	HistoryConfig = config.HistoryConfig
	// Policy controls WAL/queue thresholds.
	Policy = ports.Policy
	// OPCUAConfig holds connection + tag details.
	OPCUAConfig = opcua.Config
	// OPCUATagConfig maps a monitored tag onto a board sensor.
	OPCUATagConfig = opcua.TagConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
