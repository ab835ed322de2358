package store

import (
	"sync"
	"time"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// Epoch tags one mine selection. Snapshot responses carrying an older epoch
// are dropped.
type Epoch uint64

// GraphView is the read-only state handed to consumers. Graph is a private
// copy; writing to it never reaches the store.
type GraphView struct {
	MineID  string                  `json:"mineId"`
	Epoch   Epoch                   `json:"epoch"`
	Version uint64                  `json:"version"`
	Graph   *domain.MineGraph       `json:"graph"`
	Status  domain.ConnectionStatus `json:"status"`
	Loading bool                    `json:"loading"`
	LoadErr error                   `json:"-"`
	ConnErr error                   `json:"-"`
}

// Err returns the most relevant error for display: a failed load first,
// then a connection problem.
func (v GraphView) Err() error {
	if v.LoadErr != nil {
		return v.LoadErr
	}
	return v.ConnErr
}

// Option customizes a Store.
type Option func(*Store)

// WithInitialGraph seeds the store with a graph for mineID under epoch 1.
func WithInitialGraph(mineID string, g *domain.MineGraph) Option {
	return func(s *Store) {
		s.mineID = mineID
		s.epoch = 1
		s.graph = g
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObservability reports discarded updates and stale snapshots.
func WithObservability(obs ports.Observability) Option {
	return func(s *Store) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// Store owns the authoritative graph of the selected mine. All mutation
// goes through its methods; readers get copies.
type Store struct {
	mu      sync.Mutex
	pubMu   sync.Mutex
	now     func() time.Time
	obs     ports.Observability
	mineID  string
	epoch   Epoch
	graph   *domain.MineGraph
	status  domain.ConnectionStatus
	loading bool
	loadErr error
	connErr error
	version uint64
	seq     uint64
	subs    map[uint64]func(GraphView)
	nextSub uint64
}

func New(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		obs:    nopObs{},
		status: domain.StatusDisconnected,
		subs:   make(map[uint64]func(GraphView)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.graph != nil {
		s.graph = prepare(s.graph, s.now())
	}
	return s
}

// Select starts a new mine selection: the graph is cleared, loading is set
// and a fresh epoch is returned for the snapshot that will follow.
func (s *Store) Select(mineID string) Epoch {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.epoch++
	s.mineID = mineID
	s.graph = nil
	s.loading = true
	s.loadErr = nil
	s.connErr = nil
	epoch := s.epoch
	s.mu.Unlock()

	s.publish()
	return epoch
}

// Epoch returns the current selection epoch.
func (s *Store) Epoch() Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// MineID returns the currently selected mine.
func (s *Store) MineID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mineID
}

// BeginLoad marks a reload of the current selection. It returns false when
// epoch is no longer current.
func (s *Store) BeginLoad(epoch Epoch) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	s.loading = true
	s.loadErr = nil
	s.mu.Unlock()

	s.publish()
	return true
}

// ApplySnapshot replaces the stored graph wholesale. A snapshot whose epoch
// is not the current one is dropped and false is returned.
func (s *Store) ApplySnapshot(epoch Epoch, g *domain.MineGraph) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if epoch != s.epoch {
		current := s.epoch
		s.mu.Unlock()
		s.obs.IncCounter("board_snapshots_stale_total", 1)
		s.obs.LogInfo("snapshot_stale_dropped",
			ports.F("epoch", uint64(epoch)),
			ports.F("current_epoch", uint64(current)))
		return false
	}
	s.graph = prepare(g, s.now())
	s.loading = false
	s.loadErr = nil
	s.mu.Unlock()

	s.publish()
	return true
}

// FailSnapshot records a failed load for epoch. The previous graph, if any,
// is left untouched.
func (s *Store) FailSnapshot(epoch Epoch, err error) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	s.loading = false
	s.loadErr = err
	s.mu.Unlock()

	s.publish()
	return true
}

// ApplyUpdate merges one sensor update. Updates for an unknown node or
// sensor, for another mine, or arriving before any snapshot are discarded
// and reported through the observability port; the graph is not touched.
func (s *Store) ApplyUpdate(ev domain.SensorUpdateEvent) (domain.Reading, bool) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if s.graph == nil || (ev.MineID != "" && ev.MineID != s.mineID) {
		mineID := s.mineID
		s.mu.Unlock()
		s.obs.IncCounter("board_updates_discarded_total", 1)
		s.obs.LogInfo("update_discarded",
			ports.F("reason", "no_graph_for_mine"),
			ports.F("mine_id", ev.MineID),
			ports.F("selected_mine_id", mineID))
		return domain.Reading{}, false
	}

	now := s.now()
	next, err := Merge(s.graph, ev, now)
	if err != nil {
		s.mu.Unlock()
		s.obs.IncCounter("board_updates_discarded_total", 1)
		s.obs.LogInfo("update_discarded",
			ports.F("reason", err.Error()),
			ports.F("node_id", ev.NodeID),
			ports.F("sensor_id", ev.SensorID))
		return domain.Reading{}, false
	}
	s.graph = next
	s.seq++
	reading := domain.Reading{
		MineID:    s.mineID,
		NodeID:    ev.NodeID,
		SensorID:  ev.SensorID,
		Category:  ev.Category,
		Value:     ev.Value,
		Timestamp: now,
		Seq:       s.seq,
	}
	if ev.Alert != nil {
		reading.AlertName = ev.Alert.Name
		reading.AlertColor = ev.Alert.Color
	}
	s.mu.Unlock()

	s.obs.IncCounter("board_updates_applied_total", 1)
	s.publish()
	return reading, true
}

// SetConnectionStatus records the live channel status. A non-nil err is
// kept as the connection error; reaching connected clears it.
func (s *Store) SetConnectionStatus(status domain.ConnectionStatus, err error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	changed := s.status != status || err != nil || (status == domain.StatusConnected && s.connErr != nil)
	s.status = status
	switch {
	case err != nil:
		s.connErr = err
	case status == domain.StatusConnected:
		s.connErr = nil
	}
	s.mu.Unlock()

	if changed {
		s.publish()
	}
}

// Graph returns a private copy of the current state.
func (s *Store) Graph() GraphView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// ConnectionStatus returns the last status reported by the live channel.
func (s *Store) ConnectionStatus() domain.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the last load error, or the last connection error.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return s.loadErr
	}
	return s.connErr
}

// Subscribe registers fn to receive a view after every change. Callbacks
// run in publication order on the mutating goroutine and must not call the
// store's mutating methods. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(GraphView)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// publish must be called with pubMu held and mu released.
func (s *Store) publish() {
	s.mu.Lock()
	s.version++
	subs := make([]func(GraphView), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	views := make([]GraphView, len(subs))
	for i := range subs {
		views[i] = s.viewLocked()
	}
	s.mu.Unlock()

	for i, fn := range subs {
		fn(views[i])
	}
}

func (s *Store) viewLocked() GraphView {
	return GraphView{
		MineID:  s.mineID,
		Epoch:   s.epoch,
		Version: s.version,
		Graph:   cloneGraph(s.graph),
		Status:  s.status,
		Loading: s.loading,
		LoadErr: s.loadErr,
		ConnErr: s.connErr,
	}
}

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)                     {}
func (nopObs) LogError(string, error, ...ports.Field)             {}
func (nopObs) LogCritical(string, error, ...ports.Field)          {}
func (nopObs) IncCounter(string, float64)                         {}
func (nopObs) ObserveLatency(string, float64)                     {}
func (nopObs) SetGauge(string, float64)                           {}
func (nopObs) RecordDLQ(ports.WALEntryID, *domain.Reading, error) {}
