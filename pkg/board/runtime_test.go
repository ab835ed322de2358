package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wFercho/iot-mining-board/internal/ports"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Backend: BackendConfig{BaseURL: "http://backend:3000", WSURL: "ws://backend:3000"},
		Mine:    MineConfig{ID: "m1"},
		History: HistoryConfig{
			WALDir: t.TempDir(),
			Policy: Policy{MaxQueueLen: 16, MaxBatchSize: 4, IdleSleep: time.Millisecond},
		},
	}
}

func testGraph() *MineGraph {
	return &MineGraph{
		ID:     "g1",
		MineID: "m1",
		Nodes: []Node{
			{ID: "n1", Sensors: []Sensor{{ID: "t1", Category: "temperature", Value: 20}}},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRuntimeWithCustomAdapters(t *testing.T) {
	cfg := testConfig(t)

	queueStub := &stubQueue{}
	collectorStub := &stubCollector{}
	sinkStub := &stubSink{}
	walStub := &stubWAL{}
	obsStub := &stubObservability{}

	rt, err := NewRuntime(
		cfg,
		WithCollector(collectorStub),
		WithSink(sinkStub),
		WithWAL(walStub),
		WithReadingQueue(queueStub),
		WithObservability(obsStub),
		WithSnapshotLoader(&stubLoader{graph: testGraph()}),
		WithTransport(newStubTransport()),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	if !rt.history {
		t.Fatalf("expected a custom sink to turn history on")
	}
	if rt.sink != sinkStub {
		t.Fatalf("expected custom sink to be used")
	}
	if rt.wal != walStub {
		t.Fatalf("expected custom WAL to be used")
	}
	if rt.queue != queueStub {
		t.Fatalf("expected custom queue to be used")
	}
	if rt.obs != obsStub {
		t.Fatalf("expected custom observability to be used")
	}
	if rt.db != nil {
		t.Fatalf("expected db to be nil when custom sink is provided")
	}
	if rt.policy.OnWALFull != "block" || rt.policy.MaxBatchSize != 4 {
		t.Fatalf("expected policy defaults merged with config, got %+v", rt.policy)
	}
}

func TestNewRuntimeWithoutHistory(t *testing.T) {
	rt, err := NewRuntime(testConfig(t),
		WithObservability(&stubObservability{}),
		WithTransport(newStubTransport()),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	if rt.history || rt.wal != nil || rt.readings != nil {
		t.Fatalf("expected history to stay off")
	}
}

func TestNewRuntimeRejectsBadBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.WSURL = "http://backend:3000"
	if _, err := NewRuntime(cfg, WithObservability(&stubObservability{})); err == nil {
		t.Fatalf("expected an error for a non-websocket live url")
	}
}

func TestRunSelectsMineAndRecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	transport := newStubTransport()
	sinkStub := &stubSink{}

	var (
		mu    sync.Mutex
		views []GraphView
	)
	rt, err := NewRuntime(cfg,
		WithObservability(&stubObservability{}),
		WithSnapshotLoader(&stubLoader{graph: testGraph()}),
		WithTransport(transport),
		WithSink(sinkStub),
		WithSubscriber(func(v GraphView) {
			mu.Lock()
			views = append(views, v)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitFor(t, "snapshot", func() bool {
		v := rt.Graph()
		return v.Graph != nil && !v.Loading
	})
	conn := transport.waitConn(t)
	waitFor(t, "connected", func() bool { return rt.Graph().Status == StatusConnected })

	conn.frames <- []byte(`{"mineId":"m1","nodeId":"n1","sensorId":"t1","category":"temperature","value":48.5,"alert":{"name":"PELIGRO","color":"red"}}`)

	waitFor(t, "history write", func() bool { return len(sinkStub.readings()) == 1 })
	got := sinkStub.readings()[0]
	if got.MineID != "m1" || got.SensorID != "t1" || got.Value != 48.5 || got.AlertName != "PELIGRO" {
		t.Fatalf("unexpected reading %+v", got)
	}
	if v := rt.Graph(); !v.Graph.Nodes[0].HasAlert || v.Graph.Nodes[0].Color != "red" {
		t.Fatalf("expected node to show the alert, got %+v", v.Graph.Nodes[0])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(views) == 0 {
		t.Fatalf("expected the subscriber to see changes")
	}
	if err := rt.Select(context.Background(), "m2"); err == nil {
		t.Fatalf("expected Select after shutdown to fail")
	}
}

func TestRecordDropsWhenBufferFull(t *testing.T) {
	obs := &stubObservability{}
	rt, err := NewRuntime(testConfig(t),
		WithObservability(obs),
		WithTransport(newStubTransport()),
		WithSink(&stubSink{}),
		WithWAL(&stubWAL{}),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	for i := 0; i < readingBuffer+3; i++ {
		rt.record(Reading{NodeID: "n1", SensorID: "t1", Seq: uint64(i + 1)})
	}
	if got := obs.counter("board_history_dropped_total"); got != 3 {
		t.Fatalf("expected 3 dropped readings, got %v", got)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	walStub := &stubWAL{}
	rt, err := NewRuntime(testConfig(t),
		WithObservability(&stubObservability{}),
		WithTransport(newStubTransport()),
		WithSink(&stubSink{}),
		WithWAL(walStub),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if walStub.closes != 1 {
		t.Fatalf("expected WAL closed once, got %d", walStub.closes)
	}
}

type stubCollector struct{}

func (s *stubCollector) Start(out chan<- *SensorUpdateEvent) error { return nil }
func (s *stubCollector) Stop() error                               { return nil }

type stubSink struct {
	mu  sync.Mutex
	got []Reading
}

func (s *stubSink) WriteBatch(batch []*Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		s.got = append(s.got, *r)
	}
	return nil
}

func (s *stubSink) Name() string { return "stub" }

func (s *stubSink) readings() []Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reading(nil), s.got...)
}

type stubQueue struct{}

func (s *stubQueue) Enqueue(id WALEntryID, r *Reading) bool { return true }
func (s *stubQueue) DequeueBatch(max int) []QueuedReading   { return nil }
func (s *stubQueue) Len() int                               { return 0 }

type stubWAL struct {
	closes int
}

func (s *stubWAL) Append(r *Reading) (WALEntryID, error) { return 0, nil }
func (s *stubWAL) Iterate(from WALEntryID, fn func(id WALEntryID, r *Reading) error) error {
	return nil
}
func (s *stubWAL) Commit(upto WALEntryID) error { return nil }
func (s *stubWAL) Close() error                 { s.closes++; return nil }
func (s *stubWAL) Stats() WALStats              { return WALStats{} }

type stubObservability struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (s *stubObservability) LogInfo(string, ...Field)              {}
func (s *stubObservability) LogError(string, error, ...Field)      {}
func (s *stubObservability) LogCritical(string, error, ...Field)   {}
func (s *stubObservability) ObserveLatency(string, float64)        {}
func (s *stubObservability) SetGauge(string, float64)              {}
func (s *stubObservability) RecordDLQ(WALEntryID, *Reading, error) {}

func (s *stubObservability) IncCounter(name string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters == nil {
		s.counters = make(map[string]float64)
	}
	s.counters[name] += v
}

func (s *stubObservability) counter(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

type stubLoader struct {
	graph *MineGraph
}

func (s *stubLoader) Load(ctx context.Context, mineID string) (*MineGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g := *s.graph
	g.MineID = mineID
	g.Nodes = append([]Node(nil), s.graph.Nodes...)
	return &g, nil
}

type stubTransport struct {
	conns chan *stubConn
}

func newStubTransport() *stubTransport {
	return &stubTransport{conns: make(chan *stubConn, 8)}
}

func (s *stubTransport) Dial(ctx context.Context, mineID string) (ports.Conn, error) {
	c := &stubConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
	s.conns <- c
	return c, nil
}

func (s *stubTransport) waitConn(t *testing.T) *stubConn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

type stubConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

type normalClose struct{}

func (normalClose) Error() string  { return "closed" }
func (normalClose) CloseCode() int { return ports.CloseNormal }

func (c *stubConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, normalClose{}
	}
}

func (c *stubConn) WriteMessage([]byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
		return nil
	}
}

func (c *stubConn) Close(int, string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}
