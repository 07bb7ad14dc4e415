package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds configuration for the delivery server.
type Config struct {
	// Address is the address to listen on (e.g., ":8000").
	// Default: ":8000".
	Address string

	// Limits

	// MaxMessageSize is the maximum size of an inbound frame in bytes.
	// Oversized frames are rejected with an error but the connection stays
	// open. 0 disables the check.
	// Default: 64KB.
	MaxMessageSize int64

	// MessageRate and MessageWindow bound inbound application messages per
	// connection.
	// Default: 100 per second.
	MessageRate   int
	MessageWindow time.Duration

	// ConnRate and ConnWindow bound connection attempts per remote address.
	// Default: 30 per minute.
	ConnRate   int
	ConnWindow time.Duration

	// QueueSize is the per-subscriber outbound buffer capacity. A subscriber
	// whose queue is full has messages dropped; it recovers them by polling
	// or resuming.
	// Default: 1000.
	QueueSize int

	// Delivery

	// DebounceWindow is the patch coalescing window.
	// Default: 50ms.
	DebounceWindow time.Duration

	// ResumeBatchSize caps how many messages a protocol.resume replays.
	// Default: 100.
	ResumeBatchSize int

	// PollDefaultLimit and PollMaxLimit bound the poll endpoint's page size.
	// Defaults: 50 and 200.
	PollDefaultLimit int
	PollMaxLimit     int

	// KeepaliveInterval is the gap between stream keepalive comments.
	// Default: 15 seconds.
	KeepaliveInterval time.Duration

	// Timeouts

	// WriteTimeout is the maximum time to wait when pushing a frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// WebSocket

	// ReadBufferSize and WriteBufferSize are the WebSocket buffer sizes.
	// Default: 4096.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: allows all origins (not recommended for production).
	CheckOrigin func(r *http.Request) bool

	// Network

	// TrustedProxies lists trusted reverse proxy IPs or CIDRs for
	// X-Forwarded-For resolution.
	// Default: nil (don't trust proxy headers).
	TrustedProxies []string

	// Storage

	// HistoryPath is the SQLite database file for durable session history.
	// Empty keeps history in memory for the process lifetime.
	HistoryPath string

	// Templates

	// TemplateDir is a directory of JSON page templates served as the
	// initial render. Empty disables template loading.
	TemplateDir string

	// WatchTemplates reloads templates when files under TemplateDir change.
	WatchTemplates bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8000",
		MaxMessageSize:    64 * 1024,
		MessageRate:       100,
		MessageWindow:     time.Second,
		ConnRate:          30,
		ConnWindow:        time.Minute,
		QueueSize:         1000,
		DebounceWindow:    DefaultDebounceWindow,
		ResumeBatchSize:   100,
		PollDefaultLimit:  50,
		PollMaxLimit:      200,
		KeepaliveInterval: 15 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       func(r *http.Request) bool { return true },
	}
}

// withDefaults fills in zero-valued fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.MessageRate == 0 {
		c.MessageRate = d.MessageRate
	}
	if c.MessageWindow == 0 {
		c.MessageWindow = d.MessageWindow
	}
	if c.ConnRate == 0 {
		c.ConnRate = d.ConnRate
	}
	if c.ConnWindow == 0 {
		c.ConnWindow = d.ConnWindow
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.DebounceWindow == 0 {
		c.DebounceWindow = d.DebounceWindow
	}
	if c.ResumeBatchSize == 0 {
		c.ResumeBatchSize = d.ResumeBatchSize
	}
	if c.PollDefaultLimit == 0 {
		c.PollDefaultLimit = d.PollDefaultLimit
	}
	if c.PollMaxLimit == 0 {
		c.PollMaxLimit = d.PollMaxLimit
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	return c
}

// fileConfig is the on-disk TOML shape. Durations are strings parsed with
// time.ParseDuration.
type fileConfig struct {
	Address           string   `toml:"address"`
	MaxMessageSize    *int64   `toml:"max_message_size"`
	MessageRate       int      `toml:"message_rate"`
	MessageWindow     string   `toml:"message_window"`
	ConnRate          int      `toml:"conn_rate"`
	ConnWindow        string   `toml:"conn_window"`
	QueueSize         int      `toml:"queue_size"`
	DebounceWindow    string   `toml:"debounce_window"`
	ResumeBatchSize   int      `toml:"resume_batch_size"`
	PollDefaultLimit  int      `toml:"poll_default_limit"`
	PollMaxLimit      int      `toml:"poll_max_limit"`
	KeepaliveInterval string   `toml:"keepalive_interval"`
	WriteTimeout      string   `toml:"write_timeout"`
	ShutdownTimeout   string   `toml:"shutdown_timeout"`
	TrustedProxies    []string `toml:"trusted_proxies"`
	HistoryPath       string   `toml:"history_path"`
	TemplateDir       string   `toml:"template_dir"`
	WatchTemplates    bool     `toml:"watch_templates"`
}

// LoadConfig reads a TOML config file and overlays it on the defaults.
func LoadConfig(path string) (*Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("server: load config %s: %w", path, err)
	}

	c := DefaultConfig()
	if fc.Address != "" {
		c.Address = fc.Address
	}
	// Pointer so a file can set 0 to disable the size check.
	if fc.MaxMessageSize != nil {
		c.MaxMessageSize = *fc.MaxMessageSize
	}
	if fc.MessageRate != 0 {
		c.MessageRate = fc.MessageRate
	}
	if fc.ConnRate != 0 {
		c.ConnRate = fc.ConnRate
	}
	if fc.QueueSize != 0 {
		c.QueueSize = fc.QueueSize
	}
	if fc.ResumeBatchSize != 0 {
		c.ResumeBatchSize = fc.ResumeBatchSize
	}
	if fc.PollDefaultLimit != 0 {
		c.PollDefaultLimit = fc.PollDefaultLimit
	}
	if fc.PollMaxLimit != 0 {
		c.PollMaxLimit = fc.PollMaxLimit
	}
	c.TrustedProxies = fc.TrustedProxies
	c.HistoryPath = fc.HistoryPath
	c.TemplateDir = fc.TemplateDir
	c.WatchTemplates = fc.WatchTemplates

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.MessageWindow, &c.MessageWindow},
		{fc.ConnWindow, &c.ConnWindow},
		{fc.DebounceWindow, &c.DebounceWindow},
		{fc.KeepaliveInterval, &c.KeepaliveInterval},
		{fc.WriteTimeout, &c.WriteTimeout},
		{fc.ShutdownTimeout, &c.ShutdownTimeout},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("server: load config %s: %w", path, err)
		}
		*d.dst = parsed
	}

	return c, nil
}
