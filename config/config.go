// Package config provides YAML-based configuration loading for linkpool.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/risa-org/linkpool/control"
	"github.com/risa-org/linkpool/segment"
)

// Config is the root application configuration.
type Config struct {
	// Node is a logical name for this endpoint, used in logs.
	Node string `mapstructure:"node"`

	Log      LogConfig      `mapstructure:"log"`
	Segment  SegmentConfig  `mapstructure:"segment"`
	Control  ControlConfig  `mapstructure:"control"`
	Switcher SwitcherConfig `mapstructure:"switcher"`
	Link     LinkConfig     `mapstructure:"link"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Adapters AdaptersConfig `mapstructure:"adapters"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SegmentConfig sizes the segment pool. Both peers must agree on Capacity.
type SegmentConfig struct {
	Capacity int `mapstructure:"capacity"`
	FreeHigh int `mapstructure:"free_high"`
	FreeLow  int `mapstructure:"free_low"`
}

type ControlConfig struct {
	MaxPrivateData int           `mapstructure:"max_private_data"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

type SwitcherConfig struct {
	// Timeout aborts a stuck transaction; 0 means never.
	Timeout time.Duration `mapstructure:"timeout"`
}

type LinkConfig struct {
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// AdaptersConfig lists the links this endpoint registers at startup.
type AdaptersConfig struct {
	Control AdapterConfig   `mapstructure:"control"`
	Data    []AdapterConfig `mapstructure:"data"`
}

// AdapterConfig describes one adapter and the driver behind it.
type AdapterConfig struct {
	ID   uint16 `mapstructure:"id"`
	Name string `mapstructure:"name"`
	// Driver: tcp, websocket or mux
	Driver string `mapstructure:"driver"`
	// Mode: dial or listen
	Mode string `mapstructure:"mode"`
	// Addr is host:port for tcp and mux, a ws:// URL when dialing websocket,
	// and a listen address when serving websocket.
	Addr string `mapstructure:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Node: "linkpool",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/linkpool.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Segment: SegmentConfig{
			Capacity: segment.DefaultCapacity,
			FreeHigh: segment.DefaultFreeHigh,
			FreeLow:  segment.DefaultFreeLow,
		},
		Control: ControlConfig{
			MaxPrivateData: control.MaxPrivateData,
			RetryInterval:  100 * time.Millisecond,
			MaxRetries:     10,
		},
		Link:    LinkConfig{ReconnectInterval: 200 * time.Millisecond},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads configuration from path (if non-empty), otherwise searches the
// usual locations, and applies environment overrides. Environment variables
// use the prefix LINKPOOL and `.`/`-` become `_`, e.g. LINKPOOL_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LINKPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("node", cfg.Node)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("segment.capacity", cfg.Segment.Capacity)
	v.SetDefault("segment.free_high", cfg.Segment.FreeHigh)
	v.SetDefault("segment.free_low", cfg.Segment.FreeLow)
	v.SetDefault("control.max_private_data", cfg.Control.MaxPrivateData)
	v.SetDefault("control.retry_interval", cfg.Control.RetryInterval)
	v.SetDefault("control.max_retries", cfg.Control.MaxRetries)
	v.SetDefault("switcher.timeout", cfg.Switcher.Timeout)
	v.SetDefault("link.reconnect_interval", cfg.Link.ReconnectInterval)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	if path == "" {
		if envPath := os.Getenv("LINKPOOL_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("linkpool")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".linkpool"))
		}
	}

	// a missing file is fine, defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if c.Segment.Capacity <= 0 || c.Segment.Capacity > segment.MaxCapacity {
		return fmt.Errorf("invalid segment.capacity: %d (1..%d)", c.Segment.Capacity, segment.MaxCapacity)
	}
	if c.Segment.FreeLow < 0 || c.Segment.FreeLow > c.Segment.FreeHigh {
		return fmt.Errorf("invalid segment.free_low/free_high: %d/%d", c.Segment.FreeLow, c.Segment.FreeHigh)
	}
	if c.Control.MaxPrivateData <= 0 || c.Control.MaxPrivateData > control.MaxPrivateData {
		return fmt.Errorf("invalid control.max_private_data: %d (1..%d)", c.Control.MaxPrivateData, control.MaxPrivateData)
	}
	if c.Switcher.Timeout < 0 {
		return fmt.Errorf("invalid switcher.timeout: %s", c.Switcher.Timeout)
	}

	return c.Adapters.validate()
}

func (a *AdaptersConfig) validate() error {
	seen := map[uint16]string{}
	check := func(key string, ac *AdapterConfig) error {
		ac.Driver = strings.ToLower(strings.TrimSpace(ac.Driver))
		ac.Mode = strings.ToLower(strings.TrimSpace(ac.Mode))
		switch ac.Driver {
		case "tcp", "websocket", "mux":
		default:
			return fmt.Errorf("invalid %s.driver: %q", key, ac.Driver)
		}
		switch ac.Mode {
		case "":
			ac.Mode = "dial"
		case "dial", "listen":
		default:
			return fmt.Errorf("invalid %s.mode: %q", key, ac.Mode)
		}
		if strings.TrimSpace(ac.Addr) == "" {
			return fmt.Errorf("%s.addr is required", key)
		}
		if prev, dup := seen[ac.ID]; dup {
			return fmt.Errorf("%s.id %d already used by %s", key, ac.ID, prev)
		}
		seen[ac.ID] = key
		return nil
	}

	// adapters are optional; a core can be assembled in code instead
	if a.Control.Driver == "" && len(a.Data) == 0 {
		return nil
	}
	if err := check("adapters.control", &a.Control); err != nil {
		return err
	}
	if len(a.Data) == 0 {
		return errors.New("adapters.data needs at least one data adapter")
	}
	for i := range a.Data {
		if err := check(fmt.Sprintf("adapters.data[%d]", i), &a.Data[i]); err != nil {
			return err
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
