// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config
// file path when no --config flag is given.
const EnvConfigPath = "DISPATCH_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the router's configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Service    ServiceConfig    `yaml:"service"`
	Store      StoreConfig      `yaml:"store"`
	Processor  ProcessorConfig  `yaml:"processor"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Cache      CacheConfig      `yaml:"cache"`
	Session    SessionConfig    `yaml:"session"`
	Circuit    CircuitConfig    `yaml:"circuit"`
	Shard      ShardConfig      `yaml:"shard"`
	Mode       ModeConfig       `yaml:"mode"`
	Registry   RegistryConfig   `yaml:"registry"`
	Audit      AuditConfig      `yaml:"audit"`

	// Per-environment sections. Each has the same shape as the base
	// document; the section matching Environment is laid over the
	// base after loading, so it only needs the keys it changes.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// ServiceConfig configures the router process and its listeners.
type ServiceConfig struct {
	// SocketPath is the CBOR control socket. Required.
	SocketPath string `yaml:"socket_path"`

	// HTTPAddress is the HTTP ingress listen address. Empty disables
	// HTTP ingress.
	HTTPAddress string `yaml:"http_address"`

	// NodeID identifies this router on the shard ring and as a lease
	// owner. Empty uses the hostname.
	NodeID string `yaml:"node_id"`

	// StateDir is the base for relative data paths, available to
	// other path fields as ${DISPATCH_STATE}.
	StateDir string `yaml:"state_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// StoreConfig configures the shared state store.
type StoreConfig struct {
	// Backend is "memory" (single process) or "sqlite" (shared by
	// every router on the host).
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	PoolSize      int           `yaml:"pool_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProcessorConfig configures command execution.
type ProcessorConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// MaxRetries bounds dispatch attempts, the first included.
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// DispatchRate caps outbound dispatches per second. Zero is
	// unlimited.
	DispatchRate  float64 `yaml:"dispatch_rate"`
	DispatchBurst int     `yaml:"dispatch_burst"`
}

// LimitConfig is one rate-limit scope. A zero limit disables it.
type LimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitsConfig holds the per-scope quotas.
type RateLimitsConfig struct {
	User    LimitConfig `yaml:"user"`
	Command LimitConfig `yaml:"command"`
	IP      LimitConfig `yaml:"ip"`
}

type CacheConfig struct {
	// TTL is how long command definitions stay cached.
	TTL time.Duration `yaml:"ttl"`
}

type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// CircuitConfig configures the per-module circuit breakers.
type CircuitConfig struct {
	Threshold       int            `yaml:"threshold"`
	Thresholds      map[string]int `yaml:"thresholds"`
	Cooldown        time.Duration  `yaml:"cooldown"`
	ErrorRateWindow time.Duration  `yaml:"error_rate_window"`
}

// ShardConfig configures channel ownership.
type ShardConfig struct {
	VirtualNodes int `yaml:"virtual_nodes"`

	// Nodes is the initial ring membership. Empty means this node
	// alone.
	Nodes    []string      `yaml:"nodes"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// ChannelIdle is how long a channel may go without events before
	// this node forgets it and releases its lease.
	ChannelIdle time.Duration `yaml:"channel_idle"`
}

// ModeConfig configures the music/radio mode controller.
type ModeConfig struct {
	// MusicEndpoint and RadioEndpoint are the playback modules' base
	// URLs. Both are required for the mode actions to be served.
	MusicEndpoint  string        `yaml:"music_endpoint"`
	RadioEndpoint  string        `yaml:"radio_endpoint"`
	BackendTimeout time.Duration `yaml:"backend_timeout"`

	// OverlayURL receives mode change notifications. Empty disables
	// them.
	OverlayURL     string        `yaml:"overlay_url"`
	OverlayTimeout time.Duration `yaml:"overlay_timeout"`

	DefaultStation string        `yaml:"default_station"`
	LockIdle       time.Duration `yaml:"lock_idle"`

	// Distributed serializes transitions across routers sharing the
	// store with a lease per community.
	Distributed bool `yaml:"distributed"`
}

// RegistryConfig selects where command definitions come from.
type RegistryConfig struct {
	// Backend is "jsonc" (a directory of .jsonc files) or "sqlite".
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	Path    string `yaml:"path"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	// Backend is "sqlite", "file" (zstd segments in Path, a
	// directory), or "none".
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	QueueSize    int    `yaml:"queue_size"`
	SegmentBytes int64  `yaml:"segment_bytes"`
}

// Default returns the configuration every file is laid over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Service: ServiceConfig{
			SocketPath: "/run/dispatch/router.sock",
			StateDir:   "${HOME}/.local/state/dispatch",
			LogLevel:   "info",
		},
		Store: StoreConfig{
			Backend:       "memory",
			Path:          "${DISPATCH_STATE}/state.db",
			PoolSize:      4,
			SweepInterval: time.Minute,
		},
		Processor: ProcessorConfig{
			RequestTimeout: 30 * time.Second,
			AttemptTimeout: 5 * time.Second,
			MaxRetries:     3,
			RetryDelay:     200 * time.Millisecond,
		},
		RateLimits: RateLimitsConfig{
			User:    LimitConfig{Limit: 10, Window: time.Minute},
			Command: LimitConfig{Limit: 100, Window: time.Minute},
			IP:      LimitConfig{Limit: 30, Window: time.Minute},
		},
		Cache:   CacheConfig{TTL: 300 * time.Second},
		Session: SessionConfig{TTL: 30 * time.Minute},
		Circuit: CircuitConfig{
			Threshold:       5,
			Cooldown:        30 * time.Second,
			ErrorRateWindow: time.Minute,
		},
		Shard: ShardConfig{
			VirtualNodes: 150,
			LeaseTTL:     30 * time.Second,
			ChannelIdle:  10 * time.Minute,
		},
		Mode: ModeConfig{
			BackendTimeout: 10 * time.Second,
			OverlayTimeout: 5 * time.Second,
			DefaultStation: "lofi",
			LockIdle:       10 * time.Minute,
		},
		Registry: RegistryConfig{
			Backend: "jsonc",
			Dir:     "${DISPATCH_STATE}/commands",
			Path:    "${DISPATCH_STATE}/registry.db",
		},
		Audit: AuditConfig{
			Backend:      "sqlite",
			Path:         "${DISPATCH_STATE}/audit.db",
			QueueSize:    1024,
			SegmentBytes: 64 << 20,
		},
	}
}

// Resolve loads the file named by flagPath, or by DISPATCH_CONFIG
// when flagPath is empty. One of them must be set: there is no
// search path and no implicit default file.
func Resolve(flagPath string) (*Config, error) {
	if flagPath != "" {
		return LoadFile(flagPath)
	}
	return Load()
}

// Load loads the file named by DISPATCH_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your dispatch.yaml config file, or use --config", EnvConfigPath)
	}
	return LoadFile(path)
}

// LoadFile loads path over Default, applies the section for the
// configured environment, and expands variables in path fields.
// Environment variables never override values; they only fill
// ${VAR} references.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds a Config from YAML data the same way LoadFile does.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = &c.Development
	case Staging:
		section = &c.Staging
	case Production:
		section = &c.Production
	default:
		return nil
	}
	if section.Kind == 0 {
		return nil
	}
	environment := c.Environment
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("applying %s section: %w", environment, err)
	}
	// An override section cannot move the config to another
	// environment.
	c.Environment = environment
	return nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Service.StateDir = expandVars(c.Service.StateDir, vars)
	vars["DISPATCH_STATE"] = c.Service.StateDir

	for _, field := range []*string{
		&c.Service.SocketPath,
		&c.Service.NodeID,
		&c.Store.Path,
		&c.Registry.Dir,
		&c.Registry.Path,
		&c.Audit.Path,
		&c.Mode.MusicEndpoint,
		&c.Mode.RadioEndpoint,
		&c.Mode.OverlayURL,
	} {
		*field = expandVars(*field, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. vars take
// precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var (
	logLevels        = []string{"debug", "info", "warn", "error"}
	storeBackends    = []string{"memory", "sqlite"}
	registryBackends = []string{"jsonc", "sqlite"}
	auditBackends    = []string{"sqlite", "file", "none"}
)

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	requirePositive := func(name string, value time.Duration) {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, value))
		}
	}
	requireOneOf := func(name, value string, allowed []string) {
		for _, candidate := range allowed {
			if value == candidate {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value))
	}

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Service.SocketPath == "" {
		errs = append(errs, errors.New("service.socket_path is required"))
	}
	requireOneOf("service.log_level", c.Service.LogLevel, logLevels)

	requireOneOf("store.backend", c.Store.Backend, storeBackends)
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required for the sqlite backend"))
	}
	requirePositive("store.sweep_interval", c.Store.SweepInterval)

	requirePositive("processor.request_timeout", c.Processor.RequestTimeout)
	requirePositive("processor.attempt_timeout", c.Processor.AttemptTimeout)
	if c.Processor.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("processor.max_retries must be at least 1, got %d", c.Processor.MaxRetries))
	}
	if c.Processor.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("processor.retry_delay must not be negative, got %v", c.Processor.RetryDelay))
	}
	if c.Processor.DispatchRate < 0 {
		errs = append(errs, fmt.Errorf("processor.dispatch_rate must not be negative, got %v", c.Processor.DispatchRate))
	}

	for name, limit := range map[string]LimitConfig{
		"rate_limits.user":    c.RateLimits.User,
		"rate_limits.command": c.RateLimits.Command,
		"rate_limits.ip":      c.RateLimits.IP,
	} {
		if limit.Limit < 0 {
			errs = append(errs, fmt.Errorf("%s.limit must not be negative, got %d", name, limit.Limit))
		}
		if limit.Limit > 0 {
			requirePositive(name+".window", limit.Window)
		}
	}

	requirePositive("cache.ttl", c.Cache.TTL)
	requirePositive("session.ttl", c.Session.TTL)

	if c.Circuit.Threshold < 1 {
		errs = append(errs, fmt.Errorf("circuit.threshold must be at least 1, got %d", c.Circuit.Threshold))
	}
	for module, threshold := range c.Circuit.Thresholds {
		if threshold < 1 {
			errs = append(errs, fmt.Errorf("circuit.thresholds.%s must be at least 1, got %d", module, threshold))
		}
	}
	requirePositive("circuit.cooldown", c.Circuit.Cooldown)

	if c.Shard.VirtualNodes < 1 {
		errs = append(errs, fmt.Errorf("shard.virtual_nodes must be at least 1, got %d", c.Shard.VirtualNodes))
	}
	requirePositive("shard.lease_ttl", c.Shard.LeaseTTL)
	requirePositive("shard.channel_idle", c.Shard.ChannelIdle)

	if (c.Mode.MusicEndpoint == "") != (c.Mode.RadioEndpoint == "") {
		errs = append(errs, errors.New("mode.music_endpoint and mode.radio_endpoint must be set together"))
	}
	requirePositive("mode.lock_idle", c.Mode.LockIdle)

	requireOneOf("registry.backend", c.Registry.Backend, registryBackends)
	if c.Registry.Backend == "jsonc" && c.Registry.Dir == "" {
		errs = append(errs, errors.New("registry.dir is required for the jsonc backend"))
	}
	if c.Registry.Backend == "sqlite" && c.Registry.Path == "" {
		errs = append(errs, errors.New("registry.path is required for the sqlite backend"))
	}

	requireOneOf("audit.backend", c.Audit.Backend, auditBackends)
	if c.Audit.Backend != "none" && c.Audit.Path == "" {
		errs = append(errs, fmt.Errorf("audit.path is required for the %s backend", c.Audit.Backend))
	}

	return errors.Join(errs...)
}

// ModeEnabled reports whether playback endpoints are configured.
func (c *Config) ModeEnabled() bool {
	return c.Mode.MusicEndpoint != "" && c.Mode.RadioEndpoint != ""
}
