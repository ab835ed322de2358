package httpapi

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wFercho/iot-mining-board/internal/app/store"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

const (
	pushWriteWait = 10 * time.Second
	pushPongWait  = 60 * time.Second
	pushPingEvery = 50 * time.Second
)

// hub tracks the push clients so they can be counted and closed together.
type hub struct {
	obs     ports.Observability
	mu      sync.Mutex
	clients map[string]*pushClient
}

func newHub(obs ports.Observability) *hub {
	return &hub{obs: obs, clients: make(map[string]*pushClient)}
}

func (h *hub) add(c *pushClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.obs.SetGauge("board_ws_clients", float64(n))
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	h.obs.SetGauge("board_ws_clients", float64(n))
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*pushClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}

// pushClient holds at most one pending view. A newer view replaces an
// unsent older one, so a slow browser only ever misses intermediate states.
type pushClient struct {
	id      string
	ws      *websocket.Conn
	mu      sync.Mutex
	pending *store.GraphView
	last    uint64
	sent    bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newPushClient(ws *websocket.Conn) *pushClient {
	return &pushClient{
		id:   uuid.NewString(),
		ws:   ws,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// offer never blocks; it runs on the store's publishing goroutine.
func (c *pushClient) offer(v store.GraphView) {
	c.mu.Lock()
	if c.sent && v.Version < c.last {
		c.mu.Unlock()
		return
	}
	if c.pending != nil && v.Version < c.pending.Version {
		c.mu.Unlock()
		return
	}
	c.pending = &v
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *pushClient) take() (store.GraphView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return store.GraphView{}, false
	}
	v := *c.pending
	c.pending = nil
	c.last = v.Version
	c.sent = true
	return v, true
}

func (c *pushClient) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// readPump discards client frames and notices when the peer goes away.
func (c *pushClient) readPump() {
	defer c.shutdown()
	c.ws.SetReadLimit(4 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(pushPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pushPongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pushPongWait))
	}
}

// writePump is the only writer on the socket.
func (c *pushClient) writePump() error {
	ticker := time.NewTicker(pushPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pushWriteWait)); err != nil {
				return err
			}
		case <-c.wake:
			v, ok := c.take()
			if !ok {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(pushWriteWait))
			if err := c.ws.WriteJSON(newGraphResponse(v)); err != nil {
				return err
			}
		}
	}
}
