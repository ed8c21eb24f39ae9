package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/retry"
	"github.com/stickypool/stickypool/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global   GlobalConfig             `yaml:"global"`
	Services map[string]ServiceConfig `yaml:"services"`
}

// GlobalConfig represents settings shared by every service
type GlobalConfig struct {
	LogLevel      string           `yaml:"log_level"`
	LogPath       string           `yaml:"log_path"`
	LogFormat     string           `yaml:"log_format"`
	RotateSize    string           `yaml:"rotate_size"`
	CompressLogs  bool             `yaml:"compress_logs"`
	SilentWorkers bool             `yaml:"silent_workers"`
	Metrics       MetricsConfig    `yaml:"metrics"`
	Shutdown      ShutdownConfig   `yaml:"shutdown"`
	SpawnRetry    SpawnRetryConfig `yaml:"spawn_retry"`
	Archive       ArchiveConfig    `yaml:"archive"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// ShutdownConfig bounds the drain loop
type ShutdownConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SpawnRetryConfig represents the backoff applied to failed spawns
type SpawnRetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// ArchiveConfig represents S3 archival of rotated log files
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseCargoShip    bool   `yaml:"use_cargoship"`
}

// ServiceConfig represents one supervised service
type ServiceConfig struct {
	EntryPoint  string         `yaml:"entry_point"`
	LogLevel    string         `yaml:"log_level"`
	LogPath     string         `yaml:"log_path"`
	Workers     int            `yaml:"workers"`
	Sticky      []StickyConfig `yaml:"sticky"`
	MemoryLimit string         `yaml:"memory_limit"`
}

// StickyConfig is a sticky listen specification. Exactly one of Socket or
// Port is set.
type StickyConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Socket string `yaml:"socket"`
}

// Network returns "unix" for socket endpoints and "tcp" otherwise.
func (s StickyConfig) Network() string {
	if s.Socket != "" {
		return "unix"
	}
	return "tcp"
}

// Address returns the address to bind.
func (s StickyConfig) Address() string {
	if s.Socket != "" {
		return s.Socket
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// EndpointID returns the identifier carried in handoff messages: the socket
// path, or host:port (":port" when no host is set).
func (s StickyConfig) EndpointID() string {
	return s.Address()
}

// MemoryLimitBytes parses MemoryLimit. Zero means no limit.
func (s ServiceConfig) MemoryLimitBytes() (uint64, error) {
	n, err := utils.ParseBytes(s.MemoryLimit)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// EndpointIDs returns the ids of the service's sticky endpoints.
func (s ServiceConfig) EndpointIDs() []string {
	ids := make([]string, 0, len(s.Sticky))
	for _, st := range s.Sticky {
		ids = append(ids, st.EndpointID())
	}
	return ids
}

// DefaultWorkers is the pool size used when a service does not set one.
func DefaultWorkers() int {
	if n := runtime.NumCPU(); n > 2 {
		return n
	}
	return 2
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:   "info",
			LogPath:    "./logs",
			LogFormat:  "text",
			RotateSize: "100KB",
			Metrics: MetricsConfig{
				Enabled: false,
				Address: ":9090",
				Path:    "/metrics",
			},
			Shutdown: ShutdownConfig{
				PollInterval: 100 * time.Millisecond,
				Timeout:      30 * time.Second,
			},
			SpawnRetry: SpawnRetryConfig{
				MaxAttempts:  5,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2.0,
			},
			Archive: ArchiveConfig{
				Prefix: "stickypool/logs/",
				Region: "us-east-1",
			},
		},
		Services: make(map[string]ServiceConfig),
	}
}

// Load reads filename over the defaults, applies environment overrides and
// per-service defaults, and validates the result.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile(filename); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, err, "failed to read config file").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, err, "failed to parse config file").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("STICKYPOOL_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("STICKYPOOL_LOG_PATH"); val != "" {
		c.Global.LogPath = val
	}
	if val := os.Getenv("STICKYPOOL_METRICS_ADDRESS"); val != "" {
		c.Global.Metrics.Address = val
		c.Global.Metrics.Enabled = true
	}
	if val := os.Getenv("STICKYPOOL_SHUTDOWN_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid STICKYPOOL_SHUTDOWN_TIMEOUT")
		}
		c.Global.Shutdown.Timeout = d
	}

	return nil
}

// ApplyDefaults fills per-service values inherited from the global section.
func (c *Configuration) ApplyDefaults() {
	for name, svc := range c.Services {
		if svc.Workers <= 0 {
			svc.Workers = DefaultWorkers()
		}
		if svc.LogLevel == "" {
			svc.LogLevel = c.Global.LogLevel
		}
		if svc.LogPath == "" {
			svc.LogPath = c.Global.LogPath
		}
		c.Services[name] = svc
	}
	if c.Global.Shutdown.PollInterval <= 0 {
		c.Global.Shutdown.PollInterval = 100 * time.Millisecond
	}
	if c.Global.Metrics.Path == "" {
		c.Global.Metrics.Path = "/metrics"
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s", c.Global.LogLevel)
	}

	if size, err := c.RotateSizeBytes(); err != nil || size <= 0 {
		return invalid("rotate_size must be a positive byte size, got %q", c.Global.RotateSize)
	}

	if c.Global.Shutdown.Timeout <= 0 {
		return invalid("shutdown timeout must be greater than 0")
	}
	if c.Global.Shutdown.PollInterval <= 0 {
		return invalid("shutdown poll_interval must be greater than 0")
	}

	if c.Global.SpawnRetry.MaxAttempts < 0 {
		return invalid("spawn_retry max_attempts cannot be negative")
	}

	if c.Global.Archive.Enabled && c.Global.Archive.Bucket == "" {
		return invalid("archive bucket is required when archive is enabled")
	}

	if len(c.Services) == 0 {
		return invalid("at least one service must be configured")
	}

	endpoints := make(map[string]string)
	for _, name := range c.ServiceNames() {
		svc := c.Services[name]
		if svc.EntryPoint == "" {
			return invalid("service %s: entry_point is required", name)
		}
		if svc.Workers < 0 {
			return invalid("service %s: workers cannot be negative", name)
		}
		if svc.LogLevel != "" {
			if _, err := utils.ParseLogLevel(svc.LogLevel); err != nil {
				return invalid("service %s: invalid log_level: %s", name, svc.LogLevel)
			}
		}
		if _, err := svc.MemoryLimitBytes(); err != nil {
			return invalid("service %s: invalid memory_limit: %s", name, svc.MemoryLimit)
		}

		for _, st := range svc.Sticky {
			if st.Socket != "" && st.Port != 0 {
				return invalid("service %s: sticky endpoint sets both socket and port", name)
			}
			if st.Socket == "" && (st.Port <= 0 || st.Port > 65535) {
				return invalid("service %s: sticky port must be between 1 and 65535, got %d", name, st.Port)
			}
			id := st.EndpointID()
			if owner, dup := endpoints[id]; dup {
				return invalid("sticky endpoint %s is bound by both %s and %s", id, owner, name)
			}
			endpoints[id] = name
		}
	}

	return nil
}

// RotateSizeBytes parses RotateSize.
func (c *Configuration) RotateSizeBytes() (int64, error) {
	return utils.ParseBytes(c.Global.RotateSize)
}

// ServiceNames returns the configured service names in sorted order.
func (c *Configuration) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetryConfig converts the spawn retry section into a retry policy.
func (s SpawnRetryConfig) RetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.InitialDelay > 0 {
		cfg.InitialDelay = s.InitialDelay
	}
	if s.MaxDelay > 0 {
		cfg.MaxDelay = s.MaxDelay
	}
	if s.Multiplier > 0 {
		cfg.Multiplier = s.Multiplier
	}
	return cfg
}

func invalid(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
		WithComponent("config")
}

// ParseEndpointList splits a comma separated list of endpoint ids.
func ParseEndpointList(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}
