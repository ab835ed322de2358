package board

import (
	base "github.com/wFercho/iot-mining-board/pkg/board"
)

// Re-exported errors for convenience.
var (
	ErrQueueFull         = base.ErrQueueFull
	ErrPublisherClosed   = base.ErrPublisherClosed
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
)

// Connection status values reported in GraphView.Status.
const (
	StatusDisconnected = base.StatusDisconnected
	StatusConnecting   = base.StatusConnecting
	StatusConnected    = base.StatusConnected
)

// Type aliases so consumers can import github.com/wFercho/iot-mining-board directly.
type (
	Config               = base.Config
	BackendConfig        = base.BackendConfig
	ChannelConfig        = base.ChannelConfig
	MineConfig           = base.MineConfig
	HTTPConfig           = base.HTTPConfig
	MetricsConfig        = base.MetricsConfig
	HistoryConfig        = base.HistoryConfig
	Policy               = base.Policy
	OPCUAConfig          = base.OPCUAConfig
	OPCUATagConfig       = base.OPCUATagConfig
	Flow                 = base.Flow
	FlowOption           = base.FlowOption
	StreamInOption       = base.StreamInOption
	StreamOutOption      = base.StreamOutOption
	Runtime              = base.Runtime
	RuntimeOption        = base.RuntimeOption
	Reading              = base.Reading
	ReadingBatchSink     = base.ReadingBatchSink
	SensorUpdateEvent    = base.SensorUpdateEvent
	MineGraph            = base.MineGraph
	Node                 = base.Node
	Sensor               = base.Sensor
	GraphView            = base.GraphView
	ConnectionStatus     = base.ConnectionStatus
	Collector            = base.Collector
	SnapshotLoader       = base.SnapshotLoader
	Transport            = base.Transport
	Sink                 = base.Sink
	ReadingQueue         = base.ReadingQueue
	WAL                  = base.WAL
	Observability        = base.Observability
	QueuedReading        = base.QueuedReading
	WALEntryID           = base.WALEntryID
	WALStats             = base.WALStats
	EventPublisher       = base.EventPublisher
	EventPublisherConfig = base.EventPublisherConfig
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func WithMine(mineID string) FlowOption {
	return base.WithMine(mineID)
}

func StreamInCollector(col Collector) StreamInOption {
	return base.StreamInCollector(col)
}

func StreamInLoader(l SnapshotLoader) StreamInOption {
	return base.StreamInLoader(l)
}

func StreamInTransport(t Transport) StreamInOption {
	return base.StreamInTransport(t)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutSink(s Sink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutQueue(q ReadingQueue) StreamOutOption {
	return base.StreamOutQueue(q)
}

func StreamOutWAL(w WAL) StreamOutOption {
	return base.StreamOutWAL(w)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn ReadingBatchSink) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

func StreamOutSubscriber(fn func(GraphView)) StreamOutOption {
	return base.StreamOutSubscriber(fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithCollector(col Collector) RuntimeOption {
	return base.WithCollector(col)
}

func WithSink(s Sink) RuntimeOption {
	return base.WithSink(s)
}

func WithWAL(w WAL) RuntimeOption {
	return base.WithWAL(w)
}

func WithReadingQueue(q ReadingQueue) RuntimeOption {
	return base.WithReadingQueue(q)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithSnapshotLoader(l SnapshotLoader) RuntimeOption {
	return base.WithSnapshotLoader(l)
}

func WithTransport(t Transport) RuntimeOption {
	return base.WithTransport(t)
}

func WithSubscriber(fn func(GraphView)) RuntimeOption {
	return base.WithSubscriber(fn)
}

// Sink adapters.
func NewCallbackSink(name string, fn ReadingBatchSink) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan []Reading, func()) {
	return base.NewChannelSink(name, buffer)
}

// Event publisher.
func NewEventPublisher(cfg *EventPublisherConfig) (*EventPublisher, error) {
	return base.NewEventPublisher(cfg)
}
