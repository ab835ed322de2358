package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wFercho/iot-mining-board/internal/ports"
)

// Config for the live update endpoint.
type Config struct {
	// BaseURL is the ws:// or wss:// origin; the mine path is appended.
	BaseURL      string        `yaml:"ws_url"`
	Token        string        `yaml:"token"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadLimit    int64         `yaml:"read_limit"`
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

// Transport dials /ws/mine_nodes/{mineId} with a gorilla dialer.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
}

var _ ports.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	cfg.applyDefaults()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("ws base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws base url %q: scheme must be ws or wss", cfg.BaseURL)
	}
	d := *websocket.DefaultDialer
	return &Transport{cfg: cfg, dialer: &d}, nil
}

// Endpoint returns the live URL for mineID.
func (t *Transport) Endpoint(mineID string) string {
	return strings.TrimRight(t.cfg.BaseURL, "/") + "/ws/mine_nodes/" + url.PathEscape(mineID)
}

func (t *Transport) Dial(ctx context.Context, mineID string) (ports.Conn, error) {
	if mineID == "" {
		return nil, errors.New("wsclient: empty mine id")
	}
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	ws, resp, err := t.dialer.DialContext(ctx, t.Endpoint(mineID), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.Endpoint(mineID), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.Endpoint(mineID), err)
	}
	ws.SetReadLimit(t.cfg.ReadLimit)
	c := &Conn{ws: ws, writeTimeout: t.cfg.WriteTimeout}
	c.alive.Store(true)
	ws.SetCloseHandler(func(code int, text string) error {
		c.alive.Store(false)
		msg := websocket.FormatCloseMessage(code, "")
		_ = c.writeControl(websocket.CloseMessage, msg)
		return nil
	})
	return c, nil
}

// Conn wraps one gorilla connection. Reads happen on a single goroutine;
// writes are serialized here because gorilla allows one concurrent writer.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	alive   atomic.Bool
	closed  sync.Once
}

var _ ports.Conn = (*Conn)(nil)

func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.alive.Store(false)
			return nil, closeError(err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.alive.Store(false)
		return err
	}
	return nil
}

// Close sends a close frame with code and releases the socket. Later
// calls are no-ops.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closed.Do(func() {
		c.alive.Store(false)
		if code != ports.CloseAbnormal {
			_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		}
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Alive() bool { return c.alive.Load() }

// writeControl may run concurrently with WriteMessage, so Close does not
// wait behind a stalled write.
func (c *Conn) writeControl(kind int, data []byte) error {
	return c.ws.WriteControl(kind, data, time.Now().Add(c.writeTimeout))
}

// CloseError carries the close code observed on the socket.
type CloseError struct {
	Code int
	Err  error
}

func (e *CloseError) Error() string  { return fmt.Sprintf("websocket closed (%d): %v", e.Code, e.Err) }
func (e *CloseError) Unwrap() error  { return e.Err }
func (e *CloseError) CloseCode() int { return e.Code }

func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Err: err}
	}
	return &CloseError{Code: ports.CloseAbnormal, Err: err}
}
