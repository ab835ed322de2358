package observability

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

var counterHelp = map[string]string{
	"board_updates_applied_total":   "Sensor updates merged into the graph.",
	"board_updates_discarded_total": "Sensor updates dropped for an unknown node, sensor or mine.",
	"board_decode_errors_total":     "Live frames that could not be decoded.",
	"board_reconnects_total":        "Reconnect attempts scheduled by the live channel.",
	"board_snapshots_stale_total":   "Snapshot responses dropped because a newer mine was selected.",
	"board_history_written_total":   "Readings written to the history sink.",
	"board_history_dropped_total":   "Readings lost to WAL or queue backpressure.",
	"board_dlq_total":               "Readings rejected by the ingest pipeline.",
}

var gaugeHelp = map[string]string{
	"board_connection_status": "Live channel status: 0 disconnected, 1 connecting, 2 connected.",
	"board_wal_size_bytes":    "Size of the reading WAL on disk.",
	"board_queue_length":      "Readings buffered between the WAL and the sink.",
	"board_ws_clients":        "Consumers attached to the push endpoint.",
}

var histoHelp = map[string]string{
	"board_snapshot_latency_seconds": "Time to fetch and apply a mine snapshot.",
	"board_sink_latency_seconds":     "Time to write one batch to the history sink.",
}

// PromObs implements ports.Observability with Prometheus metrics and slog
// structured logs. Unknown metric names are ignored.
type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

var _ ports.Observability = (*PromObs)(nil)

// NewPromObs registers the board metrics on reg. A nil reg uses the
// default registerer and a nil logger writes JSON to stderr.
func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) (*PromObs, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	p := &PromObs{
		log:      logger,
		counters: make(map[string]prometheus.Counter, len(counterHelp)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
		histos:   make(map[string]prometheus.Observer, len(histoHelp)),
	}

	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		if err := reg.Register(c); err != nil {
			return nil, err
		}
		p.counters[name] = c
	}
	for name, help := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		if err := reg.Register(g); err != nil {
			return nil, err
		}
		p.gauges[name] = g
	}
	for name, help := range histoHelp {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		})
		if err := reg.Register(h); err != nil {
			return nil, err
		}
		p.histos[name] = h
	}
	return p, nil
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(id ports.WALEntryID, r *domain.Reading, err error) {
	p.IncCounter("board_dlq_total", 1)
	args := []any{slog.Uint64("wal_id", uint64(id)), slog.Any("error", err)}
	if r != nil {
		args = append(args,
			slog.String("mine_id", r.MineID),
			slog.String("node_id", r.NodeID),
			slog.String("sensor_id", r.SensorID))
	}
	p.log.Warn("reading_dead_lettered", args...)
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
