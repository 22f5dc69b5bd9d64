// Package ethconfig provides configuration management and logging for the
// transport and dispatch core.
package ethconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mrz1836/ethrpc/internal/fileutil"
)

// WaitStrategy selects how producers behave when the outbound ring buffer
// on the WebSocket transport is full.
type WaitStrategy string

// Wait strategies for the WebSocket outbound ring buffer.
const (
	WaitBlocking WaitStrategy = "blocking"
	WaitYielding WaitStrategy = "yielding"
)

// EIP1559Fallback selects what happens when a node reports no baseFeePerGas
// on the latest block and the caller asked for EIP-1559 fee fields.
type EIP1559Fallback string

// EIP-1559 fallback policies.
const (
	FallbackThrow         EIP1559Fallback = "throw"
	FallbackSilent        EIP1559Fallback = "fallback-silent"
	FallbackWarn          EIP1559Fallback = "fallback-warn"
	defaultConfigFileName                 = "config.yaml"
)

// Config is the complete configuration surface for the transport, retry,
// gas-fill, and logging components.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Retry     RetryConfig     `yaml:"retry"`
	GasFill   GasFillConfig   `yaml:"gas_fill"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TransportConfig configures both the HTTP and WebSocket transports.
type TransportConfig struct {
	URL              string            `yaml:"url"`
	ConnectTimeoutMS int               `yaml:"connect_timeout_ms"`
	ReadTimeoutMS    int               `yaml:"read_timeout_ms"`
	RequestTimeoutMS int               `yaml:"request_timeout_ms"`
	Headers          map[string]string `yaml:"headers,omitempty"`

	// WebSocket-only knobs.
	PendingSlotCapacity int          `yaml:"pending_slot_capacity"`
	RingBufferSize      int          `yaml:"ring_buffer_size"`
	WaitStrategy        WaitStrategy `yaml:"wait_strategy"`
	IOThreadCount       int          `yaml:"io_thread_count"`
	SweeperIntervalMS   int          `yaml:"sweeper_interval_ms"`
}

// RetryConfig configures the retry/backoff layer.
type RetryConfig struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	BaseDelayMS  int     `yaml:"base_delay_ms"`
	MaxDelayMS   int     `yaml:"max_delay_ms"`
	JitterMin    float64 `yaml:"jitter_min"`
	JitterMax    float64 `yaml:"jitter_max"`
	PollStartMS  int     `yaml:"poll_start_ms"`
	PollCapMS    int     `yaml:"poll_cap_ms"`
}

// GasFillConfig configures the gas-fill and transaction-preparation pipeline.
type GasFillConfig struct {
	GasLimitBufferNum int             `yaml:"gas_limit_buffer_num"`
	GasLimitBufferDen int             `yaml:"gas_limit_buffer_den"`
	EIP1559Fallback   EIP1559Fallback `yaml:"eip1559_fallback"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// Defaults returns the configuration surface's defaults, per the component
// specs: 65536 pending slots, 500 ms sweeper, 60 s request timeout, 4
// attempts with 200ms/5s backoff, throw on missing EIP-1559 base fee.
func Defaults() *Config {
	return &Config{
		Transport: TransportConfig{
			ConnectTimeoutMS:    10_000,
			ReadTimeoutMS:       30_000,
			RequestTimeoutMS:    60_000,
			PendingSlotCapacity: 65536,
			RingBufferSize:      4096,
			WaitStrategy:        WaitBlocking,
			IOThreadCount:       1,
			SweeperIntervalMS:   500,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelayMS: 200,
			MaxDelayMS:  5_000,
			JitterMin:   0.10,
			JitterMax:   0.25,
			PollStartMS: 1_000,
			PollCapMS:   10_000,
		},
		GasFill: GasFillConfig{
			GasLimitBufferNum: 12,
			GasLimitBufferDen: 10,
			EIP1559Fallback:   FallbackThrow,
		},
		Logging: LoggingConfig{
			Level: "error",
		},
	}
}

// Validate checks the configuration surface's invariants: positive timeouts,
// power-of-two capacities, an http, https, ws or wss URL, and a valid wait
// strategy.
func (c *Config) Validate() error {
	if c.Transport.URL != "" {
		u, err := url.Parse(c.Transport.URL)
		if err != nil {
			return fmt.Errorf("transport url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("transport url: unsupported scheme %q", u.Scheme)
		}
	}
	if c.Transport.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("transport.connect_timeout_ms must be positive")
	}
	if c.Transport.ReadTimeoutMS <= 0 {
		return fmt.Errorf("transport.read_timeout_ms must be positive")
	}
	if !isPowerOfTwo(c.Transport.PendingSlotCapacity) {
		return fmt.Errorf("transport.pending_slot_capacity must be a power of two, got %d", c.Transport.PendingSlotCapacity)
	}
	if !isPowerOfTwo(c.Transport.RingBufferSize) {
		return fmt.Errorf("transport.ring_buffer_size must be a power of two, got %d", c.Transport.RingBufferSize)
	}
	if c.Transport.WaitStrategy != WaitBlocking && c.Transport.WaitStrategy != WaitYielding {
		return fmt.Errorf("transport.wait_strategy must be blocking or yielding, got %q", c.Transport.WaitStrategy)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.GasFill.GasLimitBufferNum <= 0 || c.GasFill.GasLimitBufferDen <= 0 {
		return fmt.Errorf("gas_fill buffer numerator/denominator must be positive")
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Load reads configuration from path, merging it over Defaults.
func Load(path string) (*Config, error) {
	// #nosec G304 -- config file path is from validated caller-supplied input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to path atomically.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return fileutil.WriteAtomic(path, data, 0o600)
}

// Path returns the default config file path under home.
func Path(home string) string {
	return filepath.Join(home, defaultConfigFileName)
}

// DefaultHome returns the default ethrpc home directory.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ethrpc"
	}
	return filepath.Join(home, ".ethrpc")
}
