package board

import (
	"github.com/wFercho/iot-mining-board/internal/app/store"
	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// Reading is one applied sensor update as it flows through the
// WAL→queue→sink history pipeline.
type Reading = domain.Reading

// QueuedReading represents an item buffered inside the bounded queue.
type QueuedReading = ports.QueuedReading

// SensorUpdateEvent is a partial update for one sensor.
type SensorUpdateEvent = domain.SensorUpdateEvent

// MineGraph is the full node graph of a mine.
type MineGraph = domain.MineGraph

// GraphView is the read-only board state handed to subscribers.
type GraphView = store.GraphView

// ConnectionStatus is what consumers see of the live channel.
type ConnectionStatus = domain.ConnectionStatus

// Collector streams sensor updates from sources other than the live channel
// (OPC UA, simulators) into the board.
type Collector = ports.Collector

// SnapshotLoader fetches the node graph of a mine.
type SnapshotLoader = ports.SnapshotLoader

// Transport opens live update connections.
type Transport = ports.Transport

// ReadingQueue is the bounded, in-memory queue between the WAL and the sink.
type ReadingQueue = ports.ReadingQueue

// Sink consumes batches of readings and persists them to any downstream system.
type Sink = ports.Sink

// Observability emits metrics/logs about updates, reconnects and history.
type Observability = ports.Observability

// Field is a structured log/metric field used by Observability implementations.
type Field = ports.Field

// WAL abstracts the write-ahead log used for history durability.
type WAL = ports.WAL

// WALStats exposes WAL metadata for observability.
type WALStats = ports.WALStats

// WALEntryID uniquely identifies a WAL entry.
type WALEntryID = ports.WALEntryID

// Node is one sensor-bearing location of a mine graph.
type Node = domain.Node

// Sensor is one measurement channel attached to a node.
type Sensor = domain.Sensor

// Connection status values reported in GraphView.Status.
const (
	StatusDisconnected = domain.StatusDisconnected
	StatusConnecting   = domain.StatusConnecting
	StatusConnected    = domain.StatusConnected
)
