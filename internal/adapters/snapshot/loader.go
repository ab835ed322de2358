package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// ErrEmptyMineID is returned before any request is made.
var ErrEmptyMineID = errors.New("snapshot: empty mine id")

// Config points the loader at the backend REST API.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPLoader fetches GET {base}/mine-nodes3d/mine/{mineId}.
type HTTPLoader struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ ports.SnapshotLoader = (*HTTPLoader)(nil)

// Option customizes an HTTPLoader.
type Option func(*HTTPLoader)

// WithHTTPClient swaps the client, mostly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(l *HTTPLoader) {
		if c != nil {
			l.httpClient = c
		}
	}
}

func New(cfg Config, opts ...Option) (*HTTPLoader, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("snapshot base url %q is invalid", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	l := &HTTPLoader{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Load returns the mine graph with every node color filled in. It has no
// side effects beyond the request.
func (l *HTTPLoader) Load(ctx context.Context, mineID string) (*domain.MineGraph, error) {
	if mineID == "" {
		return nil, ErrEmptyMineID
	}
	endpoint := l.baseURL + "/mine-nodes3d/mine/" + url.PathEscape(mineID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &domain.NetworkError{MineID: mineID, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{MineID: mineID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &domain.NetworkError{MineID: mineID, Status: resp.StatusCode}
	}

	return Decode(resp.Body)
}

// Decode parses a snapshot body and defaults node colors from the zone.
func Decode(r io.Reader) (*domain.MineGraph, error) {
	var raw struct {
		domain.MineGraph
		Nodes *[]domain.Node `json:"nodes"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, &domain.DecodeError{What: "mine graph", Err: err}
	}
	if raw.Nodes == nil {
		return nil, &domain.DecodeError{What: "mine graph", Err: errors.New("missing nodes array")}
	}
	g := raw.MineGraph
	g.Nodes = *raw.Nodes
	for i := range g.Nodes {
		if g.Nodes[i].Color == "" {
			g.Nodes[i].Color = domain.ZoneColor(g.Nodes[i].Zone.Category)
		}
	}
	return &g, nil
}
