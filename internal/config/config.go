// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on this rather than on *Config so tests can hand them fakes.
type Interface interface {
	Logger() LoggerConfig
	Bridge() BridgeConfig
	Extensions() ExtensionsConfig
	Storage() StorageConfig
	Reporting() ReportingConfig
	NativeHost() NativeHostConfig

	SetStorageBackend(backend string)
	SetExtensionsDir(dir string)
	SetEvaluationTimeout(d time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	BridgeCfg     BridgeConfig     `mapstructure:"bridge" yaml:"bridge"`
	ExtensionsCfg ExtensionsConfig `mapstructure:"extensions" yaml:"extensions"`
	StorageCfg    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	ReportingCfg  ReportingConfig  `mapstructure:"reporting" yaml:"reporting"`
	NativeHostCfg NativeHostConfig `mapstructure:"native_host" yaml:"native_host"`
}

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Bridge() BridgeConfig         { return c.BridgeCfg }
func (c *Config) Extensions() ExtensionsConfig { return c.ExtensionsCfg }
func (c *Config) Storage() StorageConfig       { return c.StorageCfg }
func (c *Config) Reporting() ReportingConfig   { return c.ReportingCfg }
func (c *Config) NativeHost() NativeHostConfig { return c.NativeHostCfg }

func (c *Config) SetStorageBackend(backend string)     { c.StorageCfg.Backend = backend }
func (c *Config) SetExtensionsDir(dir string)          { c.ExtensionsCfg.Dir = dir }
func (c *Config) SetEvaluationTimeout(d time.Duration) { c.BridgeCfg.EvaluationTimeout = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BridgeConfig names the JS-side symbols the runtime talks to and bounds the
// main loop.
type BridgeConfig struct {
	// CallbackObject and CallbackFunction form window.<object>.<function>(json),
	// the entry point replies and events are delivered through.
	CallbackObject   string `mapstructure:"callback_object" yaml:"callback_object"`
	CallbackFunction string `mapstructure:"callback_function" yaml:"callback_function"`
	// EntryPoint is the global function scripts on the in-process engine call
	// to reach native code.
	EntryPoint string `mapstructure:"entry_point" yaml:"entry_point"`
	// GlobalScopeID is the extension id assumed for messages that carry none.
	GlobalScopeID string `mapstructure:"global_scope_id" yaml:"global_scope_id"`
	MainQueueSize int    `mapstructure:"main_queue_size" yaml:"main_queue_size"`
	// EvaluationTimeout bounds each remote script evaluation. Zero waits forever.
	EvaluationTimeout time.Duration `mapstructure:"evaluation_timeout" yaml:"evaluation_timeout"`
}

// ExtensionsConfig locates the installed extension bundles.
type ExtensionsConfig struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Locale string `mapstructure:"locale" yaml:"locale"`
}

// StorageConfig selects the chrome.storage.local backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Dir         string `mapstructure:"dir" yaml:"dir"`
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

// ReportingConfig throttles the critical error reporter.
type ReportingConfig struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	QueueSize     int     `mapstructure:"queue_size" yaml:"queue_size"`
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// NativeHostConfig configures the stdio native messaging host.
type NativeHostConfig struct {
	MaxMessageSize int `mapstructure:"max_message_size" yaml:"max_message_size"`
	// InProcessBackground runs background pages on the embedded engine
	// instead of asking the relay to host them.
	InProcessBackground bool `mapstructure:"in_process_background" yaml:"in_process_background"`
	// DevToolsURL, if set, hosts background pages in tabs of the browser
	// listening there.
	DevToolsURL string `mapstructure:"devtools_url" yaml:"devtools_url"`
}

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// maxFrameSize is the largest length a 32-bit native messaging header can carry.
const maxFrameSize = 1<<32 - 1

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := unmarshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "extbridge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Bridge --
	v.SetDefault("bridge.callback_object", "KittCallbackCaller")
	v.SetDefault("bridge.callback_function", "invoke")
	v.SetDefault("bridge.entry_point", "KittEntryPoint")
	v.SetDefault("bridge.global_scope_id", "GlobalScopeExtension")
	v.SetDefault("bridge.main_queue_size", 256)
	v.SetDefault("bridge.evaluation_timeout", "0s")

	// -- Extensions --
	v.SetDefault("extensions.dir", "~/.extbridge/extensions")
	v.SetDefault("extensions.locale", "en")

	// -- Storage --
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.dir", "~/.extbridge/storage")
	v.SetDefault("storage.database_url", "")

	// -- Reporting --
	v.SetDefault("reporting.enabled", true)
	v.SetDefault("reporting.queue_size", 128)
	v.SetDefault("reporting.rate_per_second", 1.0)
	v.SetDefault("reporting.burst", 5)

	// -- Native Host --
	v.SetDefault("native_host.max_message_size", 1024*1024)
	v.SetDefault("native_host.in_process_background", false)
	v.SetDefault("native_host.devtools_url", "")
}

// NewConfigFromViper unmarshals, expands, and validates a configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("storage.database_url", "EXTBRIDGE_DATABASE_URL")

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in directory settings.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.ExtensionsCfg.Dir, &c.StorageCfg.Dir, &c.LoggerCfg.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = filepath.Clean(expanded)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	b := c.BridgeCfg
	for name, value := range map[string]string{
		"bridge.callback_object":   b.CallbackObject,
		"bridge.callback_function": b.CallbackFunction,
		"bridge.entry_point":       b.EntryPoint,
		"bridge.global_scope_id":   b.GlobalScopeID,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	if b.MainQueueSize <= 0 {
		return fmt.Errorf("bridge.main_queue_size must be a positive integer")
	}
	if b.EvaluationTimeout < 0 {
		return fmt.Errorf("bridge.evaluation_timeout must not be negative")
	}
	if err := c.StorageCfg.Validate(); err != nil {
		return fmt.Errorf("storage configuration invalid: %w", err)
	}
	if c.ReportingCfg.Enabled {
		if c.ReportingCfg.QueueSize <= 0 {
			return fmt.Errorf("reporting.queue_size must be a positive integer")
		}
		if c.ReportingCfg.RatePerSecond <= 0 || c.ReportingCfg.Burst <= 0 {
			return fmt.Errorf("reporting.rate_per_second and reporting.burst must be positive")
		}
	}
	if n := c.NativeHostCfg.MaxMessageSize; n <= 0 || int64(n) > maxFrameSize {
		return fmt.Errorf("native_host.max_message_size must be between 1 and %d", int64(maxFrameSize))
	}
	return nil
}

// Validate checks the storage backend selection.
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case StorageMemory:
		return nil
	case StorageFile:
		if s.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file backend")
		}
		return nil
	case StoragePostgres:
		if s.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the postgres backend")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage.backend %q", s.Backend)
	}
}
