// Package config loads and validates the worker-level configuration for
// the crawl execution engine: database connection, queue connection,
// worker concurrency, and the default crawl settings used to seed a
// project's settings snapshot when none is supplied.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hydrafrog/pkg/types"
)

// Config captures everything the crawlerd process needs to run the
// Job Runner loop: where jobs come from, where pages get written, and
// how many runs may execute concurrently.
type Config struct {
	DB         SQLConfig        `yaml:"db"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Defaults   DefaultConfig    `yaml:"defaults"`
	Robots     RobotsConfig     `yaml:"robots"`
	Logging    LoggingConfig    `yaml:"logging"`
	Politeness PolitenessConfig `yaml:"politeness"`
}

// SQLConfig describes the relational database backing the Persistence
// Adapter.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
}

// QueueConfig selects and configures the job queue backing.
type QueueConfig struct {
	Driver   string   `yaml:"driver"` // "memory" or "redis"
	Host     string   `yaml:"host"`
	Port     string   `yaml:"port"`
	DB       int      `yaml:"db"`
	Password string   `yaml:"password"`
	Key      string   `yaml:"key"`
	Timeout  Duration `yaml:"timeout"`
}

// WorkerConfig controls how many runs may execute concurrently within
// this process, and the fetcher's per-request HTTP timeout.
type WorkerConfig struct {
	Concurrency    int      `yaml:"concurrency"`
	PollInterval   Duration `yaml:"poll_interval"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// DefaultConfig mirrors spec §6's settings table; a project without an
// explicit settings row gets this snapshot at enqueue time.
type DefaultConfig struct {
	MaxPages          int      `yaml:"max_pages"`
	MaxDepth          int      `yaml:"max_depth"`
	IgnoreParams      []string `yaml:"ignore_params"`
	ThrottleMs        int      `yaml:"throttle_ms"`
	IncludeSubdomains bool     `yaml:"include_subdomains"`
	RespectRobots     bool     `yaml:"respect_robots"`
	UserAgent         string   `yaml:"user_agent"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// RobotsConfig controls the robots.txt agent consulted by the BFS
// Driver after it takes a URL from the frontier and before it fetches
// it; URLs are admitted to the frontier without a robots check.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// PolitenessConfig configures the BFS Driver's per-host DomainLimiter: a
// fixed inter-request delay plus an optional token-bucket rate ceiling,
// layered under the Settings.ThrottleMs sleep already applied between
// frontier iterations (spec §9's Concurrency Extension note).
//
// JitterFraction and the backoff fields shape how PerHostDelay varies
// per host over the life of a run: jitter spreads out requests that
// would otherwise land on the same host in lockstep, and backoff backs
// a struggling host off further on each consecutive fetch error,
// recovering to PerHostDelay on its next success.
type PolitenessConfig struct {
	PerHostDelay    Duration `yaml:"per_host_delay"`
	RateLimitReqs   int      `yaml:"rate_limit_requests"`
	RateLimitWindow Duration `yaml:"rate_limit_window"`

	JitterFraction    float64  `yaml:"jitter_fraction"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxBackoffDelay   Duration `yaml:"max_backoff_delay"`
}

// Default returns a Config populated with the spec's documented
// defaults.
func Default() Config {
	d := types.DefaultSettings()
	return Config{
		Worker: WorkerConfig{
			Concurrency:    1,
			PollInterval:   DurationFrom(2 * time.Second),
			RequestTimeout: DurationFrom(30 * time.Second),
			MaxBodyBytes:   8 * 1024 * 1024,
		},
		Defaults: DefaultConfig{
			MaxPages:          d.MaxPages,
			MaxDepth:          d.MaxDepth,
			IgnoreParams:      append([]string(nil), d.IgnoreParams...),
			ThrottleMs:        d.ThrottleMs,
			IncludeSubdomains: d.IncludeSubdomains,
			RespectRobots:     d.RespectRobots,
			UserAgent:         d.UserAgent,
		},
		Queue: QueueConfig{
			Driver:  "memory",
			Key:     "hydrafrog:crawl-jobs",
			Timeout: DurationFrom(5 * time.Second),
		},
		DB: SQLConfig{
			Driver:      "postgres",
			AutoMigrate: true,
		},
		Robots: RobotsConfig{
			Respect:   true,
			UserAgent: d.UserAgent,
			CacheTTL:  DurationFrom(30 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
		Politeness: PolitenessConfig{
			PerHostDelay: DurationFrom(0),
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the worker configuration.
func (c Config) Validate() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.RequestTimeout.Duration <= 0 {
		return errors.New("worker.request_timeout must be > 0")
	}
	if c.Worker.MaxBodyBytes <= 0 {
		return fmt.Errorf("worker.max_body_bytes must be > 0 (got %d)", c.Worker.MaxBodyBytes)
	}
	if c.Defaults.MaxDepth < 0 {
		return fmt.Errorf("defaults.max_depth must be >= 0 (got %d)", c.Defaults.MaxDepth)
	}
	if c.Defaults.MaxPages < 0 {
		return fmt.Errorf("defaults.max_pages must be >= 0 (got %d)", c.Defaults.MaxPages)
	}
	if strings.TrimSpace(c.Defaults.UserAgent) == "" {
		return errors.New("defaults.user_agent must be set")
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.driver must be 'memory' or 'redis' (got %q)", c.Queue.Driver)
	}
	if c.Queue.Driver == "redis" && strings.TrimSpace(c.Queue.Host) == "" {
		return errors.New("queue.host is required when queue.driver is redis")
	}
	if strings.TrimSpace(c.DB.Driver) == "" {
		return errors.New("db.driver must be set")
	}
	if (c.Politeness.RateLimitReqs > 0) != (c.Politeness.RateLimitWindow.Duration > 0) {
		return errors.New("politeness.rate_limit_requests and politeness.rate_limit_window must be set together")
	}
	if c.Politeness.JitterFraction < 0 || c.Politeness.JitterFraction > 1 {
		return fmt.Errorf("politeness.jitter_fraction must be within [0,1] (got %v)", c.Politeness.JitterFraction)
	}
	if c.Politeness.BackoffMultiplier != 0 && c.Politeness.BackoffMultiplier < 1 {
		return fmt.Errorf("politeness.backoff_multiplier must be >= 1 when set (got %v)", c.Politeness.BackoffMultiplier)
	}
	if (c.Politeness.BackoffMultiplier > 0) != (c.Politeness.MaxBackoffDelay.Duration > 0) {
		return errors.New("politeness.backoff_multiplier and politeness.max_backoff_delay must be set together")
	}
	return nil
}

func (c *Config) normalise() {
	c.Defaults.UserAgent = strings.TrimSpace(c.Defaults.UserAgent)
	c.Defaults.IgnoreParams = dedupeLower(c.Defaults.IgnoreParams)
	sort.Strings(c.Defaults.IgnoreParams)
	if c.Queue.Key == "" {
		c.Queue.Key = "hydrafrog:crawl-jobs"
	}
}

// Settings builds a types.Settings snapshot from the configured defaults.
func (c Config) Settings() types.Settings {
	return types.Settings{
		MaxPages:          c.Defaults.MaxPages,
		MaxDepth:          c.Defaults.MaxDepth,
		IgnoreParams:      append([]string(nil), c.Defaults.IgnoreParams...),
		ThrottleMs:        c.Defaults.ThrottleMs,
		IncludeSubdomains: c.Defaults.IncludeSubdomains,
		RespectRobots:     c.Defaults.RespectRobots,
		UserAgent:         c.Defaults.UserAgent,
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}
