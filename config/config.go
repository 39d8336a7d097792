// Package config loads runtime configuration for the kernel and its
// drivers via viper, mirroring the layered file-plus-env pattern the rest
// of the ecosystem uses for its own core configuration.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/propagator/errors"
)

// Config is the top-level runtime configuration.
type Config struct {
	Kernel     KernelConfig     `mapstructure:"kernel"`
	HTTP       HTTPBridgeConfig `mapstructure:"http_bridge"`
	WS         WSBridgeConfig   `mapstructure:"ws_bridge"`
	GRPC       GRPCBridgeConfig `mapstructure:"grpc_bridge"`
	FS         FSBridgeConfig   `mapstructure:"fs_bridge"`
	MCP        MCPBridgeConfig  `mapstructure:"mcp_bridge"`
	Observer   ObserverConfig   `mapstructure:"observer"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Primitives PrimitiveConfig  `mapstructure:"primitives"`
}

// KernelConfig controls §4.3 kernel behavior.
type KernelConfig struct {
	FailFast              bool   `mapstructure:"fail_fast"`
	Debug                 bool   `mapstructure:"debug"`
	RequiredDriverVersion string `mapstructure:"required_driver_version"`
}

// HTTPBridgeConfig configures the worked-example HTTP bridge (§4.4.1, §6).
type HTTPBridgeConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	BatchSize        int    `mapstructure:"batch_size"`
	BatchDelayMS     int    `mapstructure:"batch_delay_ms"`
	RetryAttempts    int    `mapstructure:"retry_attempts"`
	RetryDelayMS     int    `mapstructure:"retry_delay_ms"`
	QueueSize        int    `mapstructure:"queue_size"`
	CircuitThreshold int    `mapstructure:"circuit_threshold"`
	CircuitResetMS   int    `mapstructure:"circuit_reset_ms"`
	PollIntervalMS   int    `mapstructure:"poll_interval_ms"`
	LongPollTimeoutS int    `mapstructure:"long_poll_timeout_s"`
	RateLimitPerSec  float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst   int    `mapstructure:"rate_limit_burst"`
}

// WSBridgeConfig configures the duplex websocket bridge.
type WSBridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// GRPCBridgeConfig configures the bidirectional gRPC stream bridge.
type GRPCBridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// FSBridgeConfig configures the filesystem-watch bridge.
type FSBridgeConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Dir            string `mapstructure:"dir"`
	DebounceMS     int    `mapstructure:"debounce_ms"`
}

// MCPBridgeConfig configures the stdio Model Context Protocol bridge.
type MCPBridgeConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ObserverConfig configures the console observer driver.
type ObserverConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Verbosity int  `mapstructure:"verbosity"`
}

// StorageConfig configures the SQLite-backed storage driver.
type StorageConfig struct {
	Path          string `mapstructure:"path"`
	MaxBatchSize  int    `mapstructure:"max_batch_size"`
}

// PrimitiveConfig configures the primitive-gadget loader.
type PrimitiveConfig struct {
	Paths []string `mapstructure:"paths"`
}

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads runtime configuration using viper, caching the result. It
// searches, in ascending precedence: built-in defaults, an optional
// project-local propagator.toml (found by walking up from the working
// directory), then PROPAGATOR_-prefixed environment variables.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific TOML file, ignoring
// the global cache and environment-variable overlay. Used by tests and by
// callers that want an isolated configuration.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", path)
	}
	return &cfg, nil
}

// GetViper returns the process-wide viper instance for advanced access.
func GetViper() *viper.Viper {
	return initViper()
}

// Reset clears the cached configuration. Used by tests.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("PROPAGATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	mergeProjectConfig(v)

	viperInstance = v
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kernel.fail_fast", false)
	v.SetDefault("kernel.debug", false)
	v.SetDefault("kernel.required_driver_version", "")

	v.SetDefault("http_bridge.batch_size", 25)
	v.SetDefault("http_bridge.batch_delay_ms", 250)
	v.SetDefault("http_bridge.retry_attempts", 5)
	v.SetDefault("http_bridge.retry_delay_ms", 1000)
	v.SetDefault("http_bridge.queue_size", 1000)
	v.SetDefault("http_bridge.circuit_threshold", 5)
	v.SetDefault("http_bridge.circuit_reset_ms", 30000)
	v.SetDefault("http_bridge.poll_interval_ms", 0)
	v.SetDefault("http_bridge.long_poll_timeout_s", 30)
	v.SetDefault("http_bridge.rate_limit_per_sec", 0)
	v.SetDefault("http_bridge.rate_limit_burst", 1)

	v.SetDefault("ws_bridge.enabled", false)
	v.SetDefault("ws_bridge.url", "")

	v.SetDefault("grpc_bridge.enabled", false)
	v.SetDefault("grpc_bridge.addr", ":9090")

	v.SetDefault("fs_bridge.enabled", false)
	v.SetDefault("fs_bridge.dir", "./contacts")
	v.SetDefault("fs_bridge.debounce_ms", 200)

	v.SetDefault("mcp_bridge.enabled", false)

	v.SetDefault("observer.enabled", true)
	v.SetDefault("observer.verbosity", 1)

	v.SetDefault("storage.path", "propagator.db")
	v.SetDefault("storage.max_batch_size", 500)

	v.SetDefault("primitives.paths", []string{"./primitives"})
}

// findProjectConfig walks up from the working directory looking for
// propagator.toml, the way am.Load walks up looking for am.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, "propagator.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeProjectConfig merges a project-local config file into v's config
// layer, if found, so environment variables still take precedence over
// it. Keys are applied in sorted order for deterministic loading.
func mergeProjectConfig(v *viper.Viper) {
	path := findProjectConfig()
	if path == "" {
		return
	}

	tmp := viper.New()
	tmp.SetConfigFile(path)
	tmp.SetConfigType("toml")
	if err := tmp.ReadInConfig(); err != nil {
		return
	}

	settings := tmp.AllSettings()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := v.MergeConfigMap(map[string]interface{}{k: settings[k]}); err != nil {
			return
		}
	}
}
