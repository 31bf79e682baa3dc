package daemon

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/baiirun/ahq/internal/dispatch"
	"github.com/baiirun/ahq/internal/hq"
	"github.com/baiirun/ahq/internal/protocol"
	"github.com/baiirun/ahq/internal/queue"
	"github.com/baiirun/ahq/internal/store"
)

const (
	DefaultRedisURL      = "redis://localhost:6379/0"
	DefaultSweepSchedule = "@every 30s"
	DefaultConfigFile    = ".ahq.yaml"
)

// Config holds daemon configuration.
//
// Configuration is assembled from three sources in priority order:
//  1. CLI flags (highest priority)
//  2. Config file (.ahq.yaml)
//  3. Defaults (lowest priority)
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// RedisURL locates the shared store.
	RedisURL string `yaml:"redis_url"`

	// AllocationTTL is how long a pending agent may wait for its session
	// before a check-in reclaims it.
	AllocationTTL time.Duration `yaml:"allocation_ttl"`

	// SeenTTL is how long an agent counts as alive after its last
	// check-in.
	SeenTTL time.Duration `yaml:"seen_ttl"`

	// QueueTTL is the lifetime of a pending-queue detail record.
	QueueTTL time.Duration `yaml:"queue_ttl"`

	// DispatchTimeout bounds each outbound dispatch call.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	Retry store.RetryPolicy `yaml:"retry"`

	// SweepSchedule is a cron spec for the queue purge and stale-agent
	// sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string `yaml:"cors_origins"`

	// EventBufferSize is the per-agent activity ring capacity.
	EventBufferSize int `yaml:"event_buffer_size"`

	// JobServer is advertised to agents in dispatch payloads.
	JobServer string `yaml:"job_server"`

	// Logger is the structured logger. Not configurable via file/flags.
	Logger *slog.Logger `yaml:"-"`

	// Now is the clock. Not configurable via file/flags.
	Now func() time.Time `yaml:"-"`

	// Dispatcher delivers work to agents. Not configurable via file/flags.
	Dispatcher dispatch.Dispatcher `yaml:"-"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = protocol.DefaultListenAddr
	}
	if c.RedisURL == "" {
		c.RedisURL = DefaultRedisURL
	}
	if c.AllocationTTL == 0 {
		c.AllocationTTL = hq.DefaultAllocationTTL
	}
	if c.SeenTTL == 0 {
		c.SeenTTL = hq.DefaultSeenTTL
	}
	if c.QueueTTL == 0 {
		c.QueueTTL = queue.DefaultTTL
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = dispatch.DefaultTimeout
	}
	c.Retry.ApplyDefaults()
	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufSize
	}
	// JobServer has no default; agents fall back to the address they
	// registered against.
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Dispatcher == nil {
		c.Dispatcher = dispatch.NewHTTPClient(c.DispatchTimeout)
	}
}

// Validate checks that configuration values are valid.
// Call after ApplyDefaults.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen-addr must not be empty")
	}
	u, err := url.Parse(c.RedisURL)
	if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		return fmt.Errorf("redis-url must be a redis:// or rediss:// URL, got %q", c.RedisURL)
	}
	if c.AllocationTTL <= 0 {
		return fmt.Errorf("allocation-ttl must be positive, got %v", c.AllocationTTL)
	}
	if c.SeenTTL <= 0 {
		return fmt.Errorf("seen-ttl must be positive, got %v", c.SeenTTL)
	}
	if c.QueueTTL <= 0 {
		return fmt.Errorf("queue-ttl must be positive, got %v", c.QueueTTL)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch-timeout must be positive, got %v", c.DispatchTimeout)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("sweep-schedule %q: %w", c.SweepSchedule, err)
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("event-buffer-size must be non-negative, got %d", c.EventBufferSize)
	}
	return nil
}

// hqConfig is the slice of c the headquarters needs.
func (c *Config) hqConfig(obs hq.Observer) hq.Config {
	return hq.Config{
		AllocationTTL: c.AllocationTTL,
		SeenTTL:       c.SeenTTL,
		QueueTTL:      c.QueueTTL,
		Retry:         c.Retry,
		JobServer:     c.JobServer,
		Dispatcher:    c.Dispatcher,
		Observer:      obs,
		Now:           c.Now,
		Logger:        c.Logger,
	}
}

// LoadConfigFile reads a YAML config file and merges it into the config.
// Only zero-valued fields are overwritten so CLI flags take precedence.
// Returns nil if the file does not exist.
func LoadConfigFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	mergeConfig(&file, into)
	return nil
}

// mergeConfig copies non-zero fields from src into dst, but only where
// dst has the zero value. CLI flags (set on dst before merge) win.
func mergeConfig(src, dst *Config) {
	if dst.ListenAddr == "" {
		dst.ListenAddr = src.ListenAddr
	}
	if dst.RedisURL == "" {
		dst.RedisURL = src.RedisURL
	}
	if dst.AllocationTTL == 0 {
		dst.AllocationTTL = src.AllocationTTL
	}
	if dst.SeenTTL == 0 {
		dst.SeenTTL = src.SeenTTL
	}
	if dst.QueueTTL == 0 {
		dst.QueueTTL = src.QueueTTL
	}
	if dst.DispatchTimeout == 0 {
		dst.DispatchTimeout = src.DispatchTimeout
	}
	if dst.Retry.MaxAttempts == 0 {
		dst.Retry.MaxAttempts = src.Retry.MaxAttempts
	}
	if dst.Retry.BaseDelay == 0 {
		dst.Retry.BaseDelay = src.Retry.BaseDelay
	}
	if dst.Retry.MaxDelay == 0 {
		dst.Retry.MaxDelay = src.Retry.MaxDelay
	}
	if dst.SweepSchedule == "" {
		dst.SweepSchedule = src.SweepSchedule
	}
	if len(dst.CORSOrigins) == 0 {
		dst.CORSOrigins = src.CORSOrigins
	}
	if dst.EventBufferSize == 0 {
		dst.EventBufferSize = src.EventBufferSize
	}
	if dst.JobServer == "" {
		dst.JobServer = src.JobServer
	}
}
