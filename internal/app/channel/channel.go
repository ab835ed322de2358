package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// ErrNoMine is returned by Reconnect before any Start.
var ErrNoMine = errors.New("channel: no mine selected")

// Config tunes reconnects and liveness checks.
type Config struct {
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	JitterMin        float64       `yaml:"jitter_min"`
	JitterMax        float64       `yaml:"jitter_max"`
	MaxAttempts      int           `yaml:"max_attempts"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	Keepalive        string        `yaml:"keepalive"`
}

// ApplyDefaults fills zero values with the production settings.
func (c *Config) ApplyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.JitterMin <= 0 && c.JitterMax <= 0 {
		c.JitterMin, c.JitterMax = 0.75, 1.25
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Keepalive == "" {
		c.Keepalive = "ping"
	}
}

func (c *Config) Validate() error {
	if c.JitterMin < 0 || c.JitterMax < c.JitterMin {
		return fmt.Errorf("jitter range [%v, %v] is invalid", c.JitterMin, c.JitterMax)
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff_cap %s is below backoff_base %s", c.BackoffCap, c.BackoffBase)
	}
	return nil
}

// Handler receives what the channel produces. Calls for one connection
// arrive in frame order; OnStatus calls arrive in transition order.
type Handler interface {
	OnEvent(ev domain.SensorUpdateEvent)
	OnStatus(status domain.ConnectionStatus, err error)
}

// Option customizes a Channel.
type Option func(*Channel)

// WithClock replaces the wall clock used for reconnect and liveness timers.
func WithClock(clock Clock) Option {
	return func(c *Channel) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRand replaces the jitter source; f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(c *Channel) {
		if f != nil {
			c.backoff.Rand = f
		}
	}
}

// WithObservability reports decode errors, reconnects and status.
func WithObservability(obs ports.Observability) Option {
	return func(c *Channel) {
		if obs != nil {
			c.obs = obs
		}
	}
}

// Channel keeps one live connection per selected mine and reconnects with
// randomized exponential backoff when it drops.
type Channel struct {
	cfg       Config
	transport ports.Transport
	handler   Handler
	clock     Clock
	backoff   Backoff
	obs       ports.Observability

	mu         sync.Mutex
	state      State
	mineID     string
	conn       ports.Conn
	gen        uint64
	attempts   int
	err        error
	retryTimer Timer
	liveTimer  Timer
	dialCancel context.CancelFunc
	statusSeq  uint64

	notifyMu     sync.Mutex
	lastNotified uint64
}

func New(cfg Config, transport ports.Transport, handler Handler, opts ...Option) (*Channel, error) {
	if transport == nil {
		return nil, fmt.Errorf("channel: transport is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("channel: handler is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("channel config: %w", err)
	}
	c := &Channel{
		cfg:       cfg,
		transport: transport,
		handler:   handler,
		clock:     realClock{},
		obs:       nopObs{},
		backoff: Backoff{
			Base:      cfg.BackoffBase,
			Cap:       cfg.BackoffCap,
			JitterMin: cfg.JitterMin,
			JitterMax: cfg.JitterMax,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Start connects to mineID. It is a no-op when already open for the same
// mine; a connection for another mine is closed normally first.
func (c *Channel) Start(mineID string) {
	c.mu.Lock()
	if c.state == StateOpen && c.mineID == mineID {
		c.mu.Unlock()
		return
	}
	if c.mineID != mineID {
		c.attempts = 0
		c.err = nil
	}
	c.cancelPendingLocked()
	c.dropConnLocked(ports.CloseNormal, "switching mine")
	c.mineID = mineID
	c.connectLocked()
	seq, status, err := c.markLocked()
	c.mu.Unlock()

	c.notify(seq, status, err)
}

// Stop cancels any pending reconnect and liveness check, closes the active
// connection and returns to Idle. It is safe from any state and may be
// called repeatedly.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.state == StateIdle && c.conn == nil && c.retryTimer == nil && c.liveTimer == nil && c.dialCancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancelPendingLocked()
	if c.conn != nil {
		c.state = StateClosing
	}
	c.dropConnLocked(ports.CloseNormal, "client stop")
	c.gen++
	c.state = StateIdle
	seq, status, err := c.markLocked()
	c.mu.Unlock()

	c.obs.LogInfo("live_channel_stopped")
	c.notify(seq, status, err)
}

// Reconnect resets the retry counter and connects immediately, ignoring
// any scheduled backoff.
func (c *Channel) Reconnect() error {
	c.mu.Lock()
	if c.mineID == "" {
		c.mu.Unlock()
		return ErrNoMine
	}
	c.cancelPendingLocked()
	c.dropConnLocked(ports.CloseNormal, "manual reconnect")
	c.attempts = 0
	c.err = nil
	c.connectLocked()
	seq, status, err := c.markLocked()
	c.mu.Unlock()

	c.obs.LogInfo("live_channel_manual_reconnect", ports.F("mine_id", c.MineID()))
	c.notify(seq, status, err)
	return nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Status() domain.ConnectionStatus {
	return c.State().Status()
}

// Attempts is the current retry counter.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Err is the last connection error, domain.ErrExhaustedRetries once the
// channel gave up.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) MineID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mineID
}

// connectLocked moves to Connecting and dials in the background.
func (c *Channel) connectLocked() {
	c.gen++
	gen := c.gen
	mineID := c.mineID
	c.state = StateConnecting

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	c.dialCancel = cancel

	go c.dial(ctx, cancel, gen, mineID)
}

func (c *Channel) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, mineID string) {
	defer cancel()
	conn, dialErr := c.transport.Dial(ctx, mineID)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(ports.CloseNormal, "superseded")
		}
		return
	}
	c.dialCancel = nil
	if dialErr != nil {
		c.obs.LogError("live_channel_dial_failed", dialErr, ports.F("mine_id", mineID))
		c.failLocked(&domain.ConnectionError{Code: closeCode(dialErr), Err: dialErr})
		seq, status, err := c.markLocked()
		c.mu.Unlock()
		c.notify(seq, status, err)
		return
	}

	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.err = nil
	c.armLivenessLocked(gen)
	seq, status, err := c.markLocked()
	c.mu.Unlock()

	c.obs.LogInfo("live_channel_open", ports.F("mine_id", mineID))
	c.notify(seq, status, err)
	go c.readLoop(gen, conn)
}

func (c *Channel) readLoop(gen uint64, conn ports.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.onClosed(gen, err)
			return
		}
		c.dispatch(gen, data)
	}
}

// dispatch decodes one frame. A malformed frame is dropped without
// touching the connection, and so is a frame read by a connection that
// has since been replaced or stopped.
func (c *Channel) dispatch(gen uint64, data []byte) {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("ping")) || bytes.Equal(trimmed, []byte("pong")) {
		return
	}
	ev, err := DecodeEvent(trimmed)
	if err != nil {
		c.obs.IncCounter("board_decode_errors_total", 1)
		c.obs.LogError("live_channel_bad_frame", err, ports.F("bytes", len(data)))
		return
	}
	if !c.current(gen) {
		return
	}
	c.handler.OnEvent(ev)
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.state == StateOpen
}

// DecodeEvent parses one inbound frame into a SensorUpdateEvent.
func DecodeEvent(data []byte) (domain.SensorUpdateEvent, error) {
	var ev domain.SensorUpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, &domain.DecodeError{What: "sensor update", Err: err}
	}
	if ev.NodeID == "" || ev.SensorID == "" {
		return ev, &domain.DecodeError{What: "sensor update", Err: errors.New("nodeId and sensorId are required")}
	}
	return ev, nil
}

func (c *Channel) onClosed(gen uint64, readErr error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	code := closeCode(readErr)
	c.cancelPendingLocked()
	c.dropConnLocked(code, "")
	if code == ports.CloseNormal {
		c.state = StateIdle
		seq, status, err := c.markLocked()
		c.mu.Unlock()
		c.obs.LogInfo("live_channel_closed_normally")
		c.notify(seq, status, err)
		return
	}
	c.obs.LogError("live_channel_closed", readErr, ports.F("code", code))
	c.failLocked(&domain.ConnectionError{Code: code, Err: readErr})
	seq, status, err := c.markLocked()
	c.mu.Unlock()
	c.notify(seq, status, err)
}

// failLocked handles an abnormal close: schedule a retry while attempts
// remain, otherwise go Idle with domain.ErrExhaustedRetries.
func (c *Channel) failLocked(cause error) {
	c.cancelPendingLocked()
	if c.attempts >= c.cfg.MaxAttempts {
		c.state = StateIdle
		c.err = fmt.Errorf("%w: %v", domain.ErrExhaustedRetries, cause)
		c.obs.LogCritical("live_channel_retries_exhausted", cause,
			ports.F("mine_id", c.mineID),
			ports.F("attempts", c.attempts))
		return
	}

	delay := c.backoff.Delay(c.attempts)
	c.attempts++
	c.err = cause
	c.state = StateReconnectScheduled
	c.obs.IncCounter("board_reconnects_total", 1)
	c.obs.LogInfo("live_channel_reconnect_scheduled",
		ports.F("mine_id", c.mineID),
		ports.F("attempt", c.attempts),
		ports.F("delay_ms", delay.Milliseconds()))

	gen := c.gen
	c.retryTimer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
}

func (c *Channel) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnectScheduled {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.connectLocked()
	seq, status, err := c.markLocked()
	c.mu.Unlock()
	c.notify(seq, status, err)
}

func (c *Channel) armLivenessLocked(gen uint64) {
	c.liveTimer = c.clock.AfterFunc(c.cfg.LivenessInterval, func() { c.checkLiveness(gen) })
}

// checkLiveness catches transports that died without a close event and
// keeps idle intermediaries from dropping the connection. The keepalive is
// written without holding c.mu so a stalled peer cannot block Stop.
func (c *Channel) checkLiveness(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.liveTimer = nil
	conn := c.conn
	keepalive := []byte(c.cfg.Keepalive)
	c.mu.Unlock()

	var cause error
	if !conn.Alive() {
		cause = &domain.ConnectionError{Code: ports.CloseAbnormal, Err: errors.New("liveness check: transport is dead")}
	} else if err := conn.WriteMessage(keepalive); err != nil {
		cause = &domain.ConnectionError{Code: ports.CloseAbnormal, Err: fmt.Errorf("keepalive: %w", err)}
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	if cause == nil {
		c.armLivenessLocked(gen)
		c.mu.Unlock()
		return
	}

	c.obs.LogError("live_channel_liveness_failed", cause, ports.F("mine_id", c.mineID))
	c.dropConnLocked(ports.CloseAbnormal, "liveness")
	c.failLocked(cause)
	seq, status, err := c.markLocked()
	c.mu.Unlock()
	c.notify(seq, status, err)
}

// dropConnLocked closes the current connection, if any, and invalidates
// its read loop.
func (c *Channel) dropConnLocked(code int, reason string) {
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	if err := conn.Close(code, reason); err != nil {
		c.obs.LogError("live_channel_close_failed", err)
	}
}

func (c *Channel) cancelPendingLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.liveTimer != nil {
		c.liveTimer.Stop()
		c.liveTimer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
}

func (c *Channel) markLocked() (uint64, domain.ConnectionStatus, error) {
	c.statusSeq++
	return c.statusSeq, c.state.Status(), c.err
}

func (c *Channel) notify(seq uint64, status domain.ConnectionStatus, err error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if seq <= c.lastNotified {
		return
	}
	c.lastNotified = seq
	c.obs.SetGauge("board_connection_status", statusGauge(status))
	c.handler.OnStatus(status, err)
}

func closeCode(err error) int {
	var cc ports.CloseCoder
	if errors.As(err, &cc) {
		return cc.CloseCode()
	}
	return ports.CloseAbnormal
}

func statusGauge(s domain.ConnectionStatus) float64 {
	switch s {
	case domain.StatusConnected:
		return 2
	case domain.StatusConnecting:
		return 1
	default:
		return 0
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
