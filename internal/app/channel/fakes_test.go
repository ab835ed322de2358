package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clock: c, t: t}
}

type fakeTimerHandle struct {
	clock *fakeClock
	t     *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	active := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return active
}

// pending returns timers that are neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) isStopped(t *fakeTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.stopped
}

// fire runs t's callback the way time.AfterFunc would, unless stopped.
func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	if t.stopped || t.fired {
		c.mu.Unlock()
		return
	}
	t.fired = true
	c.mu.Unlock()
	t.f()
}

// fireForce runs the callback even if the timer was stopped, to model a
// timer that already fired before Stop could cancel it.
func (c *fakeClock) fireForce(t *fakeTimer) {
	t.f()
}

type closeErr struct{ code int }

func (e closeErr) Error() string  { return fmt.Sprintf("closed with %d", e.code) }
func (e closeErr) CloseCode() int { return e.code }

type fakeConn struct {
	mu        sync.Mutex
	msgs      chan []byte
	done      chan struct{}
	closeCode int
	closed    bool
	remote    int
	alive     bool
	written   []string
	writeErr  error
	writeGate chan struct{}
	stalled   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), done: make(chan struct{}), alive: true}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		code := c.remote
		if code == 0 {
			code = c.closeCode
		}
		return nil, closeErr{code: code}
	}
}

// WriteMessage waits on writeGate, when set, to model a stalled peer.
func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	gate := c.writeGate
	if gate != nil {
		c.stalled++
	}
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	close(c.done)
	return nil
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && !c.closed
}

// serverClose simulates the remote end closing with code.
func (c *fakeConn) serverClose(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.remote = code
	close(c.done)
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeTransport hands out scripted results; when the script is empty it
// fails, or succeeds with a fresh conn when succeedByDefault is set.
type fakeTransport struct {
	mu               sync.Mutex
	script           []dialResult
	dials            []string
	conns            []*fakeConn
	succeedByDefault bool
}

func (t *fakeTransport) Dial(ctx context.Context, mineID string) (ports.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials = append(t.dials, mineID)

	var res dialResult
	if len(t.script) > 0 {
		res = t.script[0]
		t.script = t.script[1:]
	} else if t.succeedByDefault {
		res = dialResult{conn: newFakeConn()}
	} else {
		res = dialResult{err: errors.New("connection refused")}
	}
	if res.err != nil {
		return nil, res.err
	}
	t.conns = append(t.conns, res.conn)
	return res.conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

func (t *fakeTransport) dialed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.dials...)
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type statusChange struct {
	status domain.ConnectionStatus
	err    error
}

type recordingHandler struct {
	mu       sync.Mutex
	events   []domain.SensorUpdateEvent
	statuses []statusChange
}

func (h *recordingHandler) OnEvent(ev domain.SensorUpdateEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) OnStatus(status domain.ConnectionStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, statusChange{status: status, err: err})
}

func (h *recordingHandler) eventList() []domain.SensorUpdateEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.SensorUpdateEvent(nil), h.events...)
}

func (h *recordingHandler) lastStatus() statusChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.statuses) == 0 {
		return statusChange{}
	}
	return h.statuses[len(h.statuses)-1]
}

type countingObs struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (o *countingObs) LogInfo(string, ...ports.Field)                     {}
func (o *countingObs) LogError(string, error, ...ports.Field)             {}
func (o *countingObs) LogCritical(string, error, ...ports.Field)          {}
func (o *countingObs) ObserveLatency(string, float64)                     {}
func (o *countingObs) SetGauge(string, float64)                           {}
func (o *countingObs) RecordDLQ(ports.WALEntryID, *domain.Reading, error) {}

func (o *countingObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counters == nil {
		o.counters = map[string]float64{}
	}
	o.counters[name] += v
}

func (o *countingObs) count(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}
