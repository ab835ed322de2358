package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wFercho/iot-mining-board/internal/app/channel"
	"github.com/wFercho/iot-mining-board/internal/app/store"
	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

var (
	ErrClosed    = errors.New("session: closed")
	ErrNoMine    = errors.New("session: no mine selected")
	ErrEmptyMine = errors.New("session: empty mine id")
)

// Option customizes a Session.
type Option func(*Session)

// WithObservability is shared with the live channel.
func WithObservability(obs ports.Observability) Option {
	return func(s *Session) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// WithRecorder receives every reading the store applied, in order.
func WithRecorder(fn func(domain.Reading)) Option {
	return func(s *Session) { s.recorder = fn }
}

// WithCollectors adds sources whose updates are merged like live frames.
func WithCollectors(cols ...ports.Collector) Option {
	return func(s *Session) { s.collectors = append(s.collectors, cols...) }
}

// WithChannelOptions forwards options to the live channel.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(s *Session) { s.chanOpts = append(s.chanOpts, opts...) }
}

// Session is the single owner of a mine selection. It drives the snapshot
// load and the live channel for the selected mine and feeds both into the
// store.
type Session struct {
	store      *store.Store
	loader     ports.SnapshotLoader
	channel    *channel.Channel
	obs        ports.Observability
	recorder   func(domain.Reading)
	collectors []ports.Collector
	chanOpts   []channel.Option
	refreshes  singleflight.Group

	mu         sync.Mutex
	loadCancel context.CancelFunc
	loadSeq    uint64
	closed     bool
	wg         sync.WaitGroup
}

var _ channel.Handler = (*Session)(nil)

func New(st *store.Store, loader ports.SnapshotLoader, transport ports.Transport, cfg channel.Config, opts ...Option) (*Session, error) {
	if st == nil {
		return nil, errors.New("session: store is required")
	}
	if loader == nil {
		return nil, errors.New("session: snapshot loader is required")
	}
	s := &Session{store: st, loader: loader, obs: nopObs{}}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	chanOpts := append([]channel.Option{channel.WithObservability(s.obs)}, s.chanOpts...)
	ch, err := channel.New(cfg, transport, s, chanOpts...)
	if err != nil {
		return nil, err
	}
	s.channel = ch
	return s, nil
}

// Store is the state this session writes to.
func (s *Session) Store() *store.Store { return s.store }

// Channel exposes the live channel for status reporting.
func (s *Session) Channel() *channel.Channel { return s.channel }

// Select switches to mineID: a new epoch is opened, the previous load is
// abandoned, the live channel is pointed at the new mine and the snapshot
// is fetched in the background. ctx only scopes the call; the load
// outlives it.
func (s *Session) Select(ctx context.Context, mineID string) error {
	if mineID == "" {
		return ErrEmptyMine
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.loadCancel != nil {
		s.loadCancel()
	}
	epoch := s.store.Select(mineID)
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.loadCancel = cancel
	s.loadSeq++
	token := s.loadSeq
	s.wg.Add(1)
	s.channel.Start(mineID)
	s.mu.Unlock()

	s.obs.LogInfo("mine_selected", ports.F("mine_id", mineID), ports.F("epoch", uint64(epoch)))

	go func() {
		defer s.wg.Done()
		defer cancel()
		_ = s.load(loadCtx, token, epoch, mineID)
	}()
	return nil
}

// Refresh reloads the snapshot of the current mine and waits for it. It
// is the only retry path for a failed load. Concurrent refreshes of the
// same mine and epoch share one fetch.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	mineID := s.store.MineID()
	epoch := s.store.Epoch()
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if mineID == "" {
		return ErrNoMine
	}

	key := mineID + "/" + strconv.FormatUint(uint64(epoch), 10)
	_, err, _ := s.refreshes.Do(key, func() (any, error) {
		return nil, s.refresh(ctx, mineID, epoch)
	})
	return err
}

func (s *Session) refresh(ctx context.Context, mineID string, epoch store.Epoch) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	// A mine switch since Refresh read the epoch owns the load now.
	if s.store.Epoch() != epoch || s.store.MineID() != mineID {
		s.mu.Unlock()
		return fmt.Errorf("refresh %s: %w", mineID, domain.ErrStaleEpoch)
	}
	if s.loadCancel != nil {
		s.loadCancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	s.loadCancel = cancel
	s.loadSeq++
	token := s.loadSeq
	s.mu.Unlock()
	defer cancel()

	if !s.store.BeginLoad(epoch) {
		return fmt.Errorf("refresh %s: %w", mineID, domain.ErrStaleEpoch)
	}
	return s.load(loadCtx, token, epoch, mineID)
}

// Reconnect asks the live channel to connect again right away.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := s.channel.Reconnect(); err != nil {
		if errors.Is(err, channel.ErrNoMine) {
			return ErrNoMine
		}
		return err
	}
	return nil
}

// Run starts the collectors and merges their updates until ctx ends, then
// stops them.
func (s *Session) Run(ctx context.Context) error {
	if len(s.collectors) == 0 {
		<-ctx.Done()
		return nil
	}
	events := make(chan *domain.SensorUpdateEvent, 64)
	started := make([]ports.Collector, 0, len(s.collectors))
	var startErr error
	for _, col := range s.collectors {
		if err := col.Start(events); err != nil {
			startErr = fmt.Errorf("start collector: %w", err)
			break
		}
		started = append(started, col)
	}

	if startErr == nil {
		s.obs.LogInfo("collectors_started", ports.F("count", len(started)))
	forward:
		for {
			select {
			case <-ctx.Done():
				break forward
			case ev := <-events:
				if ev != nil {
					s.OnEvent(*ev)
				}
			}
		}
	}

	var stopErr error
	for _, col := range started {
		stopErr = errors.Join(stopErr, col.Stop())
	}
	return errors.Join(startErr, stopErr)
}

// Close stops the live channel and any in-flight load.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
	s.mu.Unlock()

	s.channel.Stop()
	s.wg.Wait()
	return nil
}

// OnEvent merges one live update.
func (s *Session) OnEvent(ev domain.SensorUpdateEvent) {
	reading, ok := s.store.ApplyUpdate(ev)
	if ok && s.recorder != nil {
		s.recorder(reading)
	}
}

// OnStatus mirrors the channel status into the store.
func (s *Session) OnStatus(status domain.ConnectionStatus, err error) {
	s.store.SetConnectionStatus(status, err)
}

// load fetches and applies one snapshot. token identifies the request so a
// load cancelled by a newer one leaves the flags to its successor.
func (s *Session) load(ctx context.Context, token uint64, epoch store.Epoch, mineID string) error {
	start := time.Now()
	g, err := s.loader.Load(ctx, mineID)
	if err != nil {
		if ctx.Err() != nil && !s.currentLoad(token) {
			return err
		}
		if s.store.FailSnapshot(epoch, err) {
			s.obs.LogError("snapshot_load_failed", err, ports.F("mine_id", mineID))
		}
		return err
	}
	if s.store.ApplySnapshot(epoch, g) {
		s.obs.ObserveLatency("board_snapshot_latency_seconds", time.Since(start).Seconds())
		s.obs.LogInfo("snapshot_applied",
			ports.F("mine_id", mineID),
			ports.F("nodes", len(g.Nodes)))
		return nil
	}
	return fmt.Errorf("snapshot for %s: %w", mineID, domain.ErrStaleEpoch)
}

func (s *Session) currentLoad(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSeq == token && !s.closed
}

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)                     {}
func (nopObs) LogError(string, error, ...ports.Field)             {}
func (nopObs) LogCritical(string, error, ...ports.Field)          {}
func (nopObs) IncCounter(string, float64)                         {}
func (nopObs) ObserveLatency(string, float64)                     {}
func (nopObs) SetGauge(string, float64)                           {}
func (nopObs) RecordDLQ(ports.WALEntryID, *domain.Reading, error) {}
