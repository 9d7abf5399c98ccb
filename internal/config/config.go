package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sessionkeeper/internal/errs"
)

// Behavioural defaults. These values are part of the agent's contract with
// the storefront shell; config may override them for testing or tuning.
const (
	DefaultProbeInterval         = 10 * time.Second
	DefaultProbeTimeout          = 5 * time.Second
	DefaultForegroundSettle      = 1 * time.Second
	DefaultDurationCheckInterval = 60 * time.Second
	DefaultLogEveryMinutes       = 5
	DefaultEscalateAfterMinutes  = 30
	DefaultReconnectSettle       = 1 * time.Second

	DefaultProbeURL      = "https://embolo.in/favicon.ico"
	DefaultCredentialKey = "embolo_auth_token"
	DefaultRouteKey      = "embolo_offline_route"
	DefaultTokenKey      = "embolo_offline_token"
	DefaultTimestampKey  = "embolo_offline_timestamp"

	envPrefix = "SESSIONKEEPER_"
)

// Config represents configuration data for the continuity agent.
type Config struct {
	ListenAddr    string    `yaml:"listen_addr"`
	DataDirectory string    `yaml:"data_directory"`
	InitialRoute  string    `yaml:"initial_route"`
	InitialOnline bool      `yaml:"initial_online"`
	Probe         Probe     `yaml:"probe"`
	Session       Session   `yaml:"session"`
	Store         Store     `yaml:"store"`
	Logging       Logging   `yaml:"logging"`
	Retention     Retention `yaml:"retention"`
	Server        Server    `yaml:"server"`
}

// Probe configures active reachability checks.
type Probe struct {
	Kind               string `yaml:"kind"` // http or tcp
	TargetURL          string `yaml:"target_url"`
	Method             string `yaml:"method"`
	DialTarget         string `yaml:"dial_target"`
	IntervalSeconds    int    `yaml:"interval_seconds"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	ForegroundSettleMs int    `yaml:"foreground_settle_ms"`
	HistorySize        int    `yaml:"history_size"`
}

// Session configures snapshot keys and outage observation.
type Session struct {
	CredentialKey        string `yaml:"credential_key"`
	RouteKey             string `yaml:"route_key"`
	TokenKey             string `yaml:"token_key"`
	TimestampKey         string `yaml:"timestamp_key"`
	DurationCheckSeconds int    `yaml:"duration_check_seconds"`
	LogEveryMinutes      int    `yaml:"log_every_minutes"`
	EscalateAfterMinutes int    `yaml:"escalate_after_minutes"`
	ReconnectSettleMs    int    `yaml:"reconnect_settle_ms"`
}

// Store selects the durable key-value backend.
type Store struct {
	Driver        string `yaml:"driver"` // file, redis or memory
	Path          string `yaml:"path"`
	Watch         bool   `yaml:"watch"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// Logging configures the logrus output.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Retention configures pruning of probe and outage history.
type Retention struct {
	Schedule   string `yaml:"schedule"`
	ProbeDays  int    `yaml:"probe_days"`
	OutageDays int    `yaml:"outage_days"`
}

// Server configures the HTTP surface.
type Server struct {
	CheckRatePerSecond float64 `yaml:"check_rate_per_second"`
	CheckBurst         int     `yaml:"check_burst"`
	HistoryLimit       int     `yaml:"history_limit"`
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	dataDir := filepath.Join(".dist", "data")
	return Config{
		ListenAddr:    "127.0.0.1:8080",
		DataDirectory: dataDir,
		InitialRoute:  "/",
		InitialOnline: true,
		Probe: Probe{
			Kind:               "http",
			TargetURL:          DefaultProbeURL,
			Method:             "HEAD",
			DialTarget:         "1.1.1.1:53",
			IntervalSeconds:    int(DefaultProbeInterval / time.Second),
			TimeoutSeconds:     int(DefaultProbeTimeout / time.Second),
			ForegroundSettleMs: int(DefaultForegroundSettle / time.Millisecond),
			HistorySize:        2048,
		},
		Session: Session{
			CredentialKey:        DefaultCredentialKey,
			RouteKey:             DefaultRouteKey,
			TokenKey:             DefaultTokenKey,
			TimestampKey:         DefaultTimestampKey,
			DurationCheckSeconds: int(DefaultDurationCheckInterval / time.Second),
			LogEveryMinutes:      DefaultLogEveryMinutes,
			EscalateAfterMinutes: DefaultEscalateAfterMinutes,
			ReconnectSettleMs:    int(DefaultReconnectSettle / time.Millisecond),
		},
		Store: Store{
			Driver:      "file",
			Path:        filepath.Join(dataDir, "kv.json"),
			Watch:       true,
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "storefront:",
		},
		Logging: Logging{Level: "info", Format: "text"},
		Retention: Retention{
			Schedule:   "@every 1h",
			ProbeDays:  7,
			OutageDays: 30,
		},
		Server: Server{
			CheckRatePerSecond: 1,
			CheckBurst:         3,
			HistoryLimit:       200,
		},
	}
}

// Load reads configuration from a yaml file. Missing files fall back to
// defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, errs.Wrap(err, errs.ErrCodeConfigInvalid, "read config")
		default:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Config{}, errs.Wrap(err, errs.ErrCodeConfigInvalid, "parse config")
			}
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.DataDirectory == "" {
		c.DataDirectory = def.DataDirectory
	}
	if c.InitialRoute == "" {
		c.InitialRoute = def.InitialRoute
	}
	if c.Probe.Kind == "" {
		c.Probe.Kind = def.Probe.Kind
	}
	if c.Probe.Method == "" {
		c.Probe.Method = def.Probe.Method
	}
	if c.Probe.IntervalSeconds <= 0 {
		c.Probe.IntervalSeconds = def.Probe.IntervalSeconds
	}
	if c.Probe.TimeoutSeconds <= 0 {
		c.Probe.TimeoutSeconds = def.Probe.TimeoutSeconds
	}
	if c.Probe.ForegroundSettleMs <= 0 {
		c.Probe.ForegroundSettleMs = def.Probe.ForegroundSettleMs
	}
	if c.Probe.HistorySize <= 0 {
		c.Probe.HistorySize = def.Probe.HistorySize
	}
	if c.Session.DurationCheckSeconds <= 0 {
		c.Session.DurationCheckSeconds = def.Session.DurationCheckSeconds
	}
	if c.Session.LogEveryMinutes <= 0 {
		c.Session.LogEveryMinutes = def.Session.LogEveryMinutes
	}
	if c.Session.EscalateAfterMinutes <= 0 {
		c.Session.EscalateAfterMinutes = def.Session.EscalateAfterMinutes
	}
	if c.Session.ReconnectSettleMs <= 0 {
		c.Session.ReconnectSettleMs = def.Session.ReconnectSettleMs
	}
	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDirectory, "kv.json")
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = def.Retention.Schedule
	}
	if c.Server.CheckRatePerSecond <= 0 {
		c.Server.CheckRatePerSecond = def.Server.CheckRatePerSecond
	}
	if c.Server.CheckBurst <= 0 {
		c.Server.CheckBurst = def.Server.CheckBurst
	}
	if c.Server.HistoryLimit <= 0 {
		c.Server.HistoryLimit = def.Server.HistoryLimit
	}
}

// Validate reports configuration errors that cannot be defaulted away.
func (c Config) Validate() error {
	switch c.Probe.Kind {
	case "http":
		if c.Probe.TargetURL == "" {
			return errs.New(errs.ErrCodeConfigInvalid, "probe.target_url is required for http probes")
		}
	case "tcp":
		if c.Probe.DialTarget == "" {
			return errs.New(errs.ErrCodeConfigInvalid, "probe.dial_target is required for tcp probes")
		}
	default:
		return errs.New(errs.ErrCodeConfigInvalid, fmt.Sprintf("unknown probe kind %q", c.Probe.Kind))
	}
	if c.Probe.TimeoutSeconds > c.Probe.IntervalSeconds {
		return errs.New(errs.ErrCodeConfigInvalid, "probe.timeout_seconds must not exceed probe.interval_seconds")
	}
	keys := map[string]string{
		"session.credential_key": c.Session.CredentialKey,
		"session.route_key":      c.Session.RouteKey,
		"session.token_key":      c.Session.TokenKey,
		"session.timestamp_key":  c.Session.TimestampKey,
	}
	seen := make(map[string]string, len(keys))
	for name, key := range keys {
		if key == "" {
			return errs.New(errs.ErrCodeConfigInvalid, name+" is required")
		}
		if other, dup := seen[key]; dup {
			return errs.New(errs.ErrCodeConfigInvalid, fmt.Sprintf("%s and %s share key %q", name, other, key))
		}
		seen[key] = name
	}
	switch c.Store.Driver {
	case "file", "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return errs.New(errs.ErrCodeConfigInvalid, "store.redis_addr is required for the redis driver")
		}
	default:
		return errs.New(errs.ErrCodeConfigInvalid, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return errs.New(errs.ErrCodeConfigInvalid, fmt.Sprintf("unknown logging format %q", c.Logging.Format))
	}
	return nil
}

// ProbeInterval returns the active probe period.
func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.Probe.IntervalSeconds) * time.Second
}

// ProbeTimeout returns the abort timeout for a single probe.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSeconds) * time.Second
}

// ForegroundSettle returns the delay before the foreground probe.
func (c Config) ForegroundSettle() time.Duration {
	return time.Duration(c.Probe.ForegroundSettleMs) * time.Millisecond
}

// DurationCheckInterval returns the offline watchdog period.
func (c Config) DurationCheckInterval() time.Duration {
	return time.Duration(c.Session.DurationCheckSeconds) * time.Second
}

// ReconnectSettle returns the delay before navigating back after reconnect.
func (c Config) ReconnectSettle() time.Duration {
	return time.Duration(c.Session.ReconnectSettleMs) * time.Millisecond
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errs.Wrap(err, errs.ErrCodeConfigInvalid, envPrefix+name+" must be an integer")
		}
		*dst = n
		return nil
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("DATA_DIRECTORY", &cfg.DataDirectory)
	str("PROBE_KIND", &cfg.Probe.Kind)
	str("PROBE_URL", &cfg.Probe.TargetURL)
	str("PROBE_DIAL_TARGET", &cfg.Probe.DialTarget)
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_PATH", &cfg.Store.Path)
	str("REDIS_ADDR", &cfg.Store.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Store.RedisPassword)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	if err := num("PROBE_INTERVAL_SECONDS", &cfg.Probe.IntervalSeconds); err != nil {
		return err
	}
	if err := num("PROBE_TIMEOUT_SECONDS", &cfg.Probe.TimeoutSeconds); err != nil {
		return err
	}
	return num("REDIS_DB", &cfg.Store.RedisDB)
}
