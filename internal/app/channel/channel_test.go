package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type harness struct {
	ch        *Channel
	clock     *fakeClock
	transport *fakeTransport
	handler   *recordingHandler
	obs       *countingObs
}

func newHarness(t *testing.T, transport *fakeTransport) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{},
		transport: transport,
		handler:   &recordingHandler{},
		obs:       &countingObs{},
	}
	ch, err := New(Config{}, transport, h.handler,
		WithClock(h.clock),
		WithRand(func() float64 { return 0.5 }),
		WithObservability(h.obs),
	)
	require.NoError(t, err)
	h.ch = ch
	t.Cleanup(ch.Stop)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ch.State() == want }, waitFor, tick,
		"state never reached %s (now %s)", want, h.ch.State())
}

func (h *harness) waitPending(t *testing.T, n int) []*fakeTimer {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.clock.pending()) == n }, waitFor, tick)
	return h.clock.pending()
}

func TestStartOpensAndReportsConnected(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})

	h.ch.Start("m1")
	h.waitState(t, StateOpen)

	assert.Equal(t, domain.StatusConnected, h.ch.Status())
	assert.Equal(t, 0, h.ch.Attempts())
	assert.NoError(t, h.ch.Err())
	require.Eventually(t, func() bool {
		return h.handler.lastStatus().status == domain.StatusConnected
	}, waitFor, tick)
	assert.Equal(t, []string{"m1"}, h.transport.dialed())
}

func TestStartSameMineIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})

	h.ch.Start("m1")
	h.waitState(t, StateOpen)
	h.ch.Start("m1")
	h.ch.Start("m1")

	assert.Equal(t, 1, h.transport.dialCount())
	assert.Equal(t, StateOpen, h.ch.State())
}

func TestStartOtherMineClosesOldConnection(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})

	h.ch.Start("m1")
	h.waitState(t, StateOpen)
	first := h.transport.lastConn()

	h.ch.Start("m2")
	require.Eventually(t, func() bool { return h.transport.dialCount() == 2 }, waitFor, tick)
	h.waitState(t, StateOpen)

	closed, code := first.isClosed()
	assert.True(t, closed)
	assert.Equal(t, ports.CloseNormal, code)
	assert.Equal(t, []string{"m1", "m2"}, h.transport.dialed())
	assert.Equal(t, "m2", h.ch.MineID())
	// closing the old connection must not schedule a reconnect
	assert.Equal(t, 0, h.ch.Attempts())
}

func TestMalformedFrameIsDroppedWithoutClosing(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})
	h.ch.Start("m1")
	h.waitState(t, StateOpen)
	conn := h.transport.lastConn()

	conn.msgs <- []byte(`{not json`)
	conn.msgs <- []byte(`{"value": 3}`)
	conn.msgs <- []byte(`ping`)
	conn.msgs <- []byte(`{"mineId":"m1","nodeId":"n1","sensorId":"s1","category":"temperature","value":35,"alert":{"name":"PELIGRO","color":"#ff0000"}}`)

	require.Eventually(t, func() bool { return len(h.handler.eventList()) == 1 }, waitFor, tick)
	ev := h.handler.eventList()[0]
	assert.Equal(t, "n1", ev.NodeID)
	assert.Equal(t, "s1", ev.SensorID)
	assert.Equal(t, 35.0, ev.Value)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, domain.AlertPeligro, ev.Alert.Name)

	assert.Equal(t, StateOpen, h.ch.State())
	closed, _ := conn.isClosed()
	assert.False(t, closed)
	assert.Equal(t, 2.0, h.obs.count("board_decode_errors_total"))
}

func TestFrameFromReplacedConnectionIsDropped(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})
	h.ch.Start("m1")
	h.waitState(t, StateOpen)

	h.ch.mu.Lock()
	oldGen := h.ch.gen
	h.ch.mu.Unlock()
	frame := []byte(`{"nodeId":"n1","sensorId":"s1","category":"temperature","value":35}`)

	h.ch.Start("m2")
	h.waitState(t, StateOpen)
	h.ch.dispatch(oldGen, frame)
	assert.Empty(t, h.handler.eventList())

	h.ch.Stop()
	h.ch.mu.Lock()
	stoppedGen := h.ch.gen
	h.ch.mu.Unlock()
	h.ch.dispatch(stoppedGen, frame)
	assert.Empty(t, h.handler.eventList())
}

func TestAbnormalCloseSchedulesBackoffAndRecovers(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})
	h.ch.Start("m1")
	h.waitState(t, StateOpen)

	liveness := h.waitPending(t, 1)
	assert.Equal(t, 30*time.Second, liveness[0].d)

	h.transport.lastConn().serverClose(1011)
	h.waitState(t, StateReconnectScheduled)

	pending := h.waitPending(t, 1)
	// base * 2^0 * 1.0 with the jitter source pinned to the midpoint
	assert.Equal(t, time.Second, pending[0].d)
	assert.Equal(t, 1, h.ch.Attempts())
	assert.Equal(t, domain.StatusConnecting, h.ch.Status())

	var connErr *domain.ConnectionError
	require.ErrorAs(t, h.ch.Err(), &connErr)
	assert.Equal(t, 1011, connErr.Code)

	h.clock.fire(pending[0])
	h.waitState(t, StateOpen)
	assert.Equal(t, 0, h.ch.Attempts())
	assert.NoError(t, h.ch.Err())
	assert.Equal(t, 2, h.transport.dialCount())
}

func TestNormalClosureDoesNotReconnect(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})
	h.ch.Start("m1")
	h.waitState(t, StateOpen)

	h.transport.lastConn().serverClose(ports.CloseNormal)
	h.waitState(t, StateIdle)

	assert.Empty(t, h.clock.pending())
	assert.Equal(t, 1, h.transport.dialCount())
	assert.Equal(t, domain.StatusDisconnected, h.ch.Status())
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	h.ch.Start("m1")

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		pending := h.waitPending(t, 1)
		require.Equal(t, StateReconnectScheduled, h.ch.State())
		require.Equal(t, i+1, h.ch.Attempts())
		delays = append(delays, pending[0].d)
		h.clock.fire(pending[0])
	}

	h.waitState(t, StateIdle)
	assert.ErrorIs(t, h.ch.Err(), domain.ErrExhaustedRetries)
	assert.Empty(t, h.clock.pending(), "no automatic retry after exhaustion")
	assert.Equal(t, 11, h.transport.dialCount())
	assert.Equal(t, 10.0, h.obs.count("board_reconnects_total"))

	require.Eventually(t, func() bool {
		last := h.handler.lastStatus()
		return last.status == domain.StatusDisconnected && last.err != nil
	}, waitFor, tick)

	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], 30*time.Second)
	}

	// nothing fires on its own any more
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 11, h.transport.dialCount())

	// manual reconnect resets the counter and retries at once
	h.transport.mu.Lock()
	h.transport.succeedByDefault = true
	h.transport.mu.Unlock()
	require.NoError(t, h.ch.Reconnect())
	h.waitState(t, StateOpen)
	assert.Equal(t, 12, h.transport.dialCount())
	assert.Equal(t, 0, h.ch.Attempts())
	assert.NoError(t, h.ch.Err())
}

func TestReconnectBeforeStart(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	assert.ErrorIs(t, h.ch.Reconnect(), ErrNoMine)
}

func TestReconnectSkipsScheduledBackoff(t *testing.T) {
	h := newHarness(t, &fakeTransport{script: []dialResult{{err: assert.AnError}}, succeedByDefault: true})
	h.ch.Start("m1")
	pending := h.waitPending(t, 1)
	require.Equal(t, StateReconnectScheduled, h.ch.State())

	require.NoError(t, h.ch.Reconnect())
	h.waitState(t, StateOpen)

	// the superseded backoff timer was cancelled
	assert.True(t, h.clock.isStopped(pending[0]))
	h.clock.fireForce(pending[0])
	assert.Equal(t, 2, h.transport.dialCount())
}

func TestLivenessSendsKeepaliveAndDetectsDeadTransport(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})
	h.ch.Start("m1")
	h.waitState(t, StateOpen)
	conn := h.transport.lastConn()

	live := h.waitPending(t, 1)
	h.clock.fire(live[0])
	assert.Equal(t, []string{"ping"}, conn.writes())
	assert.Equal(t, StateOpen, h.ch.State())

	// transport died silently: no close event, Alive reports false
	conn.mu.Lock()
	conn.alive = false
	conn.mu.Unlock()

	live = h.waitPending(t, 1)
	h.clock.fire(live[0])
	h.waitState(t, StateReconnectScheduled)
	assert.Equal(t, 1, h.ch.Attempts())

	closed, code := conn.isClosed()
	assert.True(t, closed)
	assert.Equal(t, ports.CloseAbnormal, code)

	retry := h.waitPending(t, 1)
	h.clock.fire(retry[0])
	h.waitState(t, StateOpen)
	assert.NotSame(t, conn, h.transport.lastConn())
}

func TestKeepaliveWriteFailureForcesReconnect(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})
	h.ch.Start("m1")
	h.waitState(t, StateOpen)
	conn := h.transport.lastConn()
	conn.mu.Lock()
	conn.writeErr = assert.AnError
	conn.mu.Unlock()

	live := h.waitPending(t, 1)
	h.clock.fire(live[0])
	h.waitState(t, StateReconnectScheduled)
}

func TestStalledKeepaliveDoesNotBlockStop(t *testing.T) {
	h := newHarness(t, &fakeTransport{succeedByDefault: true})
	h.ch.Start("m1")
	h.waitState(t, StateOpen)
	conn := h.transport.lastConn()
	gate := make(chan struct{})
	conn.mu.Lock()
	conn.writeGate = gate
	conn.mu.Unlock()

	live := h.waitPending(t, 1)
	fired := make(chan struct{})
	go func() {
		defer close(fired)
		h.clock.fire(live[0])
	}()
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.stalled == 1
	}, waitFor, tick)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.ch.Stop()
	}()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop blocked behind the keepalive write")
	}
	assert.Equal(t, StateIdle, h.ch.State())

	close(gate)
	<-fired
	assert.Equal(t, StateIdle, h.ch.State())
	assert.Empty(t, h.clock.pending())
}

func TestStopFromEveryState(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		h := newHarness(t, &fakeTransport{})
		h.ch.Stop()
		h.ch.Stop()
		assert.Equal(t, StateIdle, h.ch.State())
	})

	t.Run("open", func(t *testing.T) {
		h := newHarness(t, &fakeTransport{succeedByDefault: true})
		h.ch.Start("m1")
		h.waitState(t, StateOpen)
		conn := h.transport.lastConn()
		live := h.waitPending(t, 1)

		h.ch.Stop()
		assert.Equal(t, StateIdle, h.ch.State())
		closed, code := conn.isClosed()
		assert.True(t, closed)
		assert.Equal(t, ports.CloseNormal, code)
		assert.Empty(t, h.clock.pending())

		// a liveness callback that raced Stop does nothing
		h.clock.fireForce(live[0])
		assert.Equal(t, StateIdle, h.ch.State())
		assert.Empty(t, conn.writes())
	})

	t.Run("reconnect scheduled", func(t *testing.T) {
		h := newHarness(t, &fakeTransport{})
		h.ch.Start("m1")
		pending := h.waitPending(t, 1)

		h.ch.Stop()
		assert.Equal(t, StateIdle, h.ch.State())
		assert.True(t, h.clock.isStopped(pending[0]))

		h.clock.fireForce(pending[0])
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, StateIdle, h.ch.State())
		assert.Equal(t, 1, h.transport.dialCount())
	})

	t.Run("exhausted", func(t *testing.T) {
		h := newHarness(t, &fakeTransport{})
		h.ch.Start("m1")
		for i := 0; i < 10; i++ {
			h.clock.fire(h.waitPending(t, 1)[0])
		}
		h.waitState(t, StateIdle)
		h.ch.Stop()
		assert.Equal(t, StateIdle, h.ch.State())
	})
}

func TestStatusNotificationsFollowTransitions(t *testing.T) {
	h := newHarness(t, &fakeTransport{script: []dialResult{{err: assert.AnError}}, succeedByDefault: true})
	h.ch.Start("m1")
	h.clock.fire(h.waitPending(t, 1)[0])
	h.waitState(t, StateOpen)
	h.ch.Stop()

	require.Eventually(t, func() bool {
		return h.handler.lastStatus().status == domain.StatusDisconnected
	}, waitFor, tick)

	h.handler.mu.Lock()
	defer h.handler.mu.Unlock()
	var seq []domain.ConnectionStatus
	for _, s := range h.handler.statuses {
		seq = append(seq, s.status)
	}
	assert.Equal(t, domain.StatusConnecting, seq[0])
	assert.Contains(t, seq, domain.StatusConnected)
	assert.Equal(t, domain.StatusDisconnected, seq[len(seq)-1])
}

func TestDecodeEvent(t *testing.T) {
	_, err := DecodeEvent([]byte(`[]`))
	var decErr *domain.DecodeError
	assert.ErrorAs(t, err, &decErr)

	ev, err := DecodeEvent([]byte(`{"nodeId":"n1","sensorId":"s1","value":1.5}`))
	require.NoError(t, err)
	assert.Nil(t, ev.Alert)
	assert.Equal(t, 1.5, ev.Value)
}
