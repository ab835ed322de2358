package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wFercho/iot-mining-board/internal/adapters/httpapi"
	"github.com/wFercho/iot-mining-board/internal/adapters/observability"
	"github.com/wFercho/iot-mining-board/internal/adapters/opcua"
	"github.com/wFercho/iot-mining-board/internal/adapters/queue"
	"github.com/wFercho/iot-mining-board/internal/adapters/sink"
	"github.com/wFercho/iot-mining-board/internal/adapters/snapshot"
	"github.com/wFercho/iot-mining-board/internal/adapters/wal"
	"github.com/wFercho/iot-mining-board/internal/adapters/wsclient"
	"github.com/wFercho/iot-mining-board/internal/app/pipeline"
	"github.com/wFercho/iot-mining-board/internal/app/session"
	"github.com/wFercho/iot-mining-board/internal/app/store"
	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// readingBuffer sits between the store and the history WAL. When it is full
// readings are dropped rather than stalling the live channel.
const readingBuffer = 4096

var errHistoryBufferFull = errors.New("history buffer full")

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	collectors    []Collector
	sink          Sink
	wal           WAL
	queue         ReadingQueue
	observability Observability
	loader        SnapshotLoader
	transport     Transport
	subscribers   []func(GraphView)
}

// WithCollector adds an update source (OPC UA, simulators, etc.) merged like
// live frames.
func WithCollector(col Collector) RuntimeOption {
	return func(o *runtimeOverrides) {
		if col != nil {
			o.collectors = append(o.collectors, col)
		}
	}
}

// WithSink injects a custom sink so readings can be sent to any database or
// API. It turns history on even when the config leaves it off.
func WithSink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.sink = s
	}
}

// WithWAL lets callers bring their own WAL implementation or reuse an existing instance.
func WithWAL(w WAL) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.wal = w
	}
}

// WithReadingQueue injects a custom queue implementation.
func WithReadingQueue(q ReadingQueue) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.queue = q
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithSnapshotLoader replaces the REST snapshot loader.
func WithSnapshotLoader(l SnapshotLoader) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.loader = l
	}
}

// WithTransport replaces the websocket transport of the live channel.
func WithTransport(t Transport) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.transport = t
	}
}

// WithSubscriber registers fn for every board change from the start.
func WithSubscriber(fn func(GraphView)) RuntimeOption {
	return func(o *runtimeOverrides) {
		if fn != nil {
			o.subscribers = append(o.subscribers, fn)
		}
	}
}

// Runtime wires the snapshot loader, live channel and state store of one
// board, the consumer API and, when enabled, the reading history pipeline
// (WAL → queue → sink).
type Runtime struct {
	cfg      *Config
	policy   ports.Policy
	obs      ports.Observability
	metrics  http.Handler
	store    *store.Store
	session  *session.Session
	api      *httpapi.Server
	history  bool
	wal      ports.WAL
	queue    ports.ReadingQueue
	sink     ports.Sink
	schema   *sink.TimescaleSink
	db       *sql.DB
	readings chan *domain.Reading
	unsubs   []func()

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewRuntime bootstraps the default adapters (REST loader, websocket
// transport, Prometheus observability and, with history on, file WAL,
// ring queue and Timescale sink). RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	rt := &Runtime{
		cfg:     cfg,
		policy:  withPolicyDefaults(cfg.History.Policy),
		metrics: promhttp.Handler(),
	}
	defer func() {
		if err != nil {
			_ = rt.closeResources()
		}
	}()

	rt.obs = overrides.observability
	if rt.obs == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom, err := observability.NewPromObs(reg, nil)
		if err != nil {
			return nil, err
		}
		rt.obs = prom
		rt.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	loader := overrides.loader
	if loader == nil {
		l, err := snapshot.New(cfg.Backend.Snapshot())
		if err != nil {
			return nil, err
		}
		loader = l
	}

	transport := overrides.transport
	if transport == nil {
		t, err := wsclient.New(cfg.Backend.Live())
		if err != nil {
			return nil, err
		}
		transport = t
	}

	cols := overrides.collectors
	if cfg.OPCUA != nil {
		col, err := opcua.NewCollector(*cfg.OPCUA, rt.obs)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}

	rt.store = store.New(store.WithObservability(rt.obs))

	sessOpts := []session.Option{
		session.WithObservability(rt.obs),
		session.WithCollectors(cols...),
	}
	rt.history = cfg.History.Enabled || overrides.sink != nil
	if rt.history {
		if err := rt.openHistory(overrides); err != nil {
			return nil, err
		}
		sessOpts = append(sessOpts, session.WithRecorder(rt.record))
	}

	rt.session, err = session.New(rt.store, loader, transport, cfg.Channel, sessOpts...)
	if err != nil {
		return nil, err
	}

	apiOpts := []httpapi.Option{
		httpapi.WithObservability(rt.obs),
		httpapi.WithMetricsHandler(rt.metrics),
		httpapi.WithRequestTimeout(cfg.HTTP.RequestTimeout),
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
	}
	if cfg.HTTP.BasicAuth {
		apiOpts = append(apiOpts, httpapi.WithBasicAuth(cfg.HTTP.Realm, cfg.HTTP.Credentials()))
	}
	rt.api, err = httpapi.New(rt.store, rt.session, apiOpts...)
	if err != nil {
		return nil, err
	}

	for _, fn := range overrides.subscribers {
		rt.unsubs = append(rt.unsubs, rt.store.Subscribe(fn))
	}
	return rt, nil
}

func (rt *Runtime) openHistory(overrides runtimeOverrides) error {
	rt.wal = overrides.wal
	if rt.wal == nil {
		w, err := wal.NewFileWAL(rt.cfg.History.WALDir)
		if err != nil {
			return err
		}
		rt.wal = w
	}

	rt.queue = overrides.queue
	if rt.queue == nil {
		rt.queue = queue.NewRingQueue(rt.policy.MaxQueueLen)
	}

	rt.sink = overrides.sink
	if rt.sink == nil {
		db, err := sql.Open("postgres", rt.cfg.History.ConnString)
		if err != nil {
			return err
		}
		rt.db = db
		ts, err := sink.NewTimescaleSink(db, rt.cfg.History.Table)
		if err != nil {
			return err
		}
		rt.sink = ts
		rt.schema = ts
	}

	rt.readings = make(chan *domain.Reading, readingBuffer)
	return nil
}

// Store exposes the board state for embedding callers.
func (rt *Runtime) Store() *store.Store { return rt.store }

// Handler is the consumer HTTP API (REST, push websocket, metrics).
func (rt *Runtime) Handler() http.Handler { return rt.api }

// Select switches the board to mineID.
func (rt *Runtime) Select(ctx context.Context, mineID string) error {
	return rt.session.Select(ctx, mineID)
}

// Refresh reloads the snapshot of the selected mine.
func (rt *Runtime) Refresh(ctx context.Context) error {
	return rt.session.Refresh(ctx)
}

// Reconnect restarts the live channel immediately.
func (rt *Runtime) Reconnect() error {
	return rt.session.Reconnect()
}

// Graph returns a private copy of the current board state.
func (rt *Runtime) Graph() GraphView {
	return rt.store.Graph()
}

// Subscribe registers fn for every later change; see store.Store.Subscribe.
func (rt *Runtime) Subscribe(fn func(GraphView)) (unsubscribe func()) {
	return rt.store.Subscribe(fn)
}

// Run starts every component, selects the configured mine and blocks until
// ctx is cancelled or a component fails. It always shuts down before
// returning.
func (rt *Runtime) Run(ctx context.Context) error {
	if rt == nil {
		return fmt.Errorf("runtime is nil")
	}
	if err := rt.prepareHistory(ctx); err != nil {
		return errors.Join(err, rt.Shutdown(context.WithoutCancel(ctx)))
	}

	g, gctx := errgroup.WithContext(ctx)
	if rt.history {
		g.Go(func() error {
			return ignoreCanceled(pipeline.RunHistoryPipeline(gctx, rt.readings, rt.wal, rt.queue, rt.policy, rt.obs))
		})
		g.Go(func() error {
			return ignoreCanceled(pipeline.RunIngestPipeline(gctx, rt.wal, rt.queue, rt.sink, rt.policy, rt.obs))
		})
	}
	g.Go(func() error { return rt.session.Run(gctx) })
	if addr := rt.cfg.HTTP.Listen; addr != "" {
		g.Go(func() error { return rt.api.Run(gctx, addr) })
	}
	if addr := rt.cfg.Metrics.Addr; addr != "" && addr != rt.cfg.HTTP.Listen {
		g.Go(func() error { return rt.serveMetrics(gctx, addr) })
	}
	if rt.history {
		g.Go(func() error {
			rt.recordResourceGauges(gctx, time.Second)
			return nil
		})
	}

	if mineID := rt.cfg.Mine.ID; mineID != "" {
		if err := rt.session.Select(gctx, mineID); err != nil {
			rt.obs.LogError("initial_select_failed", err, ports.F("mine_id", mineID))
		}
	}

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, rt.Shutdown(shutdownCtx))
}

// Shutdown stops the session, disconnects push clients and closes the WAL
// and DB connection. It is safe to call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() {
		for _, unsub := range rt.unsubs {
			unsub()
		}
		var errs []error
		if rt.session != nil {
			errs = append(errs, rt.session.Close())
		}
		if rt.api != nil {
			rt.api.Close()
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown: %w", err))
		}
		errs = append(errs, rt.closeResources())
		rt.shutdownErr = errors.Join(errs...)
	})
	return rt.shutdownErr
}

func (rt *Runtime) closeResources() error {
	var errs []error
	if rt.wal != nil {
		if err := rt.wal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// prepareHistory creates the readings table and re-queues what the last run
// left uncommitted in the WAL.
func (rt *Runtime) prepareHistory(ctx context.Context) error {
	if !rt.history {
		return nil
	}
	if rt.schema != nil {
		if err := rt.schema.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure history schema: %w", err)
		}
	}
	if _, err := pipeline.Replay(rt.wal, rt.queue, rt.obs); err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	return nil
}

// record hands an applied reading to the history pipeline without blocking
// the caller.
func (rt *Runtime) record(r domain.Reading) {
	select {
	case rt.readings <- &r:
	default:
		rt.obs.IncCounter("board_history_dropped_total", 1)
		rt.obs.LogError("history_reading_dropped", errHistoryBufferFull,
			ports.F("node_id", r.NodeID),
			ports.F("sensor_id", r.SensorID))
	}
}

func (rt *Runtime) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (rt *Runtime) recordResourceGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := rt.wal.Stats()
			rt.obs.SetGauge("board_wal_size_bytes", float64(stats.SizeBytes))
			rt.obs.SetGauge("board_queue_length", float64(rt.queue.Len()))
		}
	}
}

// withPolicyDefaults fills in thresholds for configs built in code rather
// than loaded from YAML.
func withPolicyDefaults(p ports.Policy) ports.Policy {
	if p.MaxWALSizeBytes == 0 {
		p.MaxWALSizeBytes = 1 << 30
	}
	if p.MaxQueueLen == 0 {
		p.MaxQueueLen = 100_000
	}
	if p.MaxBatchSize == 0 {
		p.MaxBatchSize = 5_000
	}
	if p.IdleSleep == 0 {
		p.IdleSleep = 5 * time.Millisecond
	}
	if p.OnQueueFull == "" {
		p.OnQueueFull = "block"
	}
	if p.OnWALFull == "" {
		p.OnWALFull = "block"
	}
	return p
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
