package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wFercho/iot-mining-board/internal/adapters/opcua"
	"github.com/wFercho/iot-mining-board/internal/adapters/snapshot"
	"github.com/wFercho/iot-mining-board/internal/adapters/wsclient"
	"github.com/wFercho/iot-mining-board/internal/app/channel"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

type Config struct {
	Backend BackendConfig  `yaml:"backend"`
	Channel channel.Config `yaml:"channel"`
	Mine    MineConfig     `yaml:"mine"`
	HTTP    HTTPConfig     `yaml:"http"`
	Metrics MetricsConfig  `yaml:"metrics"`
	History HistoryConfig  `yaml:"history"`
	OPCUA   *opcua.Config  `yaml:"opcua"`
}

// BackendConfig points at the REST snapshot API and the live websocket
// endpoint of the same backend.
type BackendConfig struct {
	BaseURL      string        `yaml:"base_url"`
	WSURL        string        `yaml:"ws_url"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (b BackendConfig) Snapshot() snapshot.Config {
	return snapshot.Config{BaseURL: b.BaseURL, Token: b.Token, Timeout: b.Timeout}
}

func (b BackendConfig) Live() wsclient.Config {
	return wsclient.Config{BaseURL: b.WSURL, Token: b.Token, WriteTimeout: b.WriteTimeout}
}

type MineConfig struct {
	// ID is selected on startup when set.
	ID string `yaml:"id"`
}

// HTTPConfig configures the consumer API. AllowedOrigins lists the Origin
// values accepted on /ws ("*" accepts any); empty means same-origin only.
type HTTPConfig struct {
	Listen         string        `yaml:"listen"`
	BasicAuth      bool          `yaml:"basic_auth"`
	Realm          string        `yaml:"realm"`
	Users          []HTTPUser    `yaml:"users"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type HTTPUser struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Credentials returns the user table for basic auth.
func (h HTTPConfig) Credentials() map[string]string {
	out := make(map[string]string, len(h.Users))
	for _, u := range h.Users {
		out[u.User] = u.Password
	}
	return out
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type HistoryConfig struct {
	Enabled    bool         `yaml:"enabled"`
	ConnString string       `yaml:"conn_string"`
	Table      string       `yaml:"table"`
	WALDir     string       `yaml:"wal_dir"`
	Policy     ports.Policy `yaml:"policy"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes a YAML document, fills defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 15 * time.Second
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.HTTP.Realm == "" {
		c.HTTP.Realm = "mine-board"
	}
	if c.HTTP.RequestTimeout == 0 {
		c.HTTP.RequestTimeout = 60 * time.Second
	}
	if c.History.Table == "" {
		c.History.Table = "readings"
	}
	if c.History.WALDir == "" {
		c.History.WALDir = "./data/wal"
	}

	p := &c.History.Policy
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

	c.Channel.ApplyDefaults()
	if c.OPCUA != nil {
		if c.OPCUA.MineID == "" {
			c.OPCUA.MineID = c.Mine.ID
		}
		c.OPCUA.ApplyDefaults()
	}
}

// Validate is exported so the CLI can re-check after flag overrides.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Backend.WSURL == "" {
		errs = append(errs, errors.New("backend.ws_url is required"))
	}
	if err := c.Channel.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("channel config: %w", err))
	}
	if c.HTTP.BasicAuth && len(c.HTTP.Users) == 0 {
		errs = append(errs, errors.New("http.users is required when basic_auth is on"))
	}
	if c.History.Enabled {
		if c.History.ConnString == "" {
			errs = append(errs, errors.New("history.conn_string is required"))
		}
		if err := validatePolicy(c.History.Policy); err != nil {
			errs = append(errs, fmt.Errorf("history.policy: %w", err))
		}
	}
	if c.OPCUA != nil {
		if err := c.OPCUA.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("opcua config: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validatePolicy(p ports.Policy) error {
	switch p.OnWALFull {
	case "block", "drop":
	default:
		return fmt.Errorf("on_wal_full %q must be block or drop", p.OnWALFull)
	}
	switch p.OnQueueFull {
	case "block", "drop", "reject":
	default:
		return fmt.Errorf("on_queue_full %q must be block, drop or reject", p.OnQueueFull)
	}
	if p.MaxQueueLen < 0 || p.MaxBatchSize < 0 {
		return errors.New("queue and batch sizes must be positive")
	}
	return nil
}
