// Package config provides the application configuration for the meta
// writer: defaults, JSON or YAML file layers, environment overrides and
// validation. Configuration is read once at boot.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dls-controls/odin-data/errors"
)

// Duration is a time.Duration that decodes from "2s" style strings in both
// JSON and YAML.
type Duration time.Duration

// UnmarshalJSON decodes a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// UnmarshalYAML decodes a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(v)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration type %T", raw)
	}
	return nil
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NATSConfig holds transport settings.
type NATSConfig struct {
	URL           string   `json:"url" yaml:"url"`
	Name          string   `json:"name" yaml:"name"`
	Username      string   `json:"username" yaml:"username"`
	Password      string   `json:"password" yaml:"password"`
	Token         string   `json:"token" yaml:"token"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
}

// WriterConfig holds the defaults applied to each acquisition writer.
type WriterConfig struct {
	Directory           string   `json:"directory" yaml:"directory"`
	FilePrefix          string   `json:"file_prefix" yaml:"file_prefix"`
	FlushFrameFrequency int64    `json:"flush_frame_frequency" yaml:"flush_frame_frequency"`
	FlushTimeout        Duration `json:"flush_timeout" yaml:"flush_timeout"`
	SideChannelTTL      Duration `json:"side_channel_ttl" yaml:"side_channel_ttl"`
}

// ListenerConfig holds the meta listener settings.
type ListenerConfig struct {
	Subject    string   `json:"subject" yaml:"subject"`
	QueueGroup string   `json:"queue_group" yaml:"queue_group"`
	QueueSize  int      `json:"queue_size" yaml:"queue_size"`
	Linger     Duration `json:"linger" yaml:"linger"`
}

// MetricsConfig holds the metrics HTTP endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// Config is the complete application configuration.
type Config struct {
	NATS     NATSConfig     `json:"nats" yaml:"nats"`
	Writer   WriterConfig   `json:"writer" yaml:"writer"`
	Listener ListenerConfig `json:"listener" yaml:"listener"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.url")
	}
	if c.Listener.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "listener.subject")
	}
	if c.Listener.QueueSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("listener.queue_size %d", c.Listener.QueueSize))
	}
	if c.Writer.Directory == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "writer.directory")
	}
	if c.Writer.FlushFrameFrequency < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("writer.flush_frame_frequency %d", c.Writer.FlushFrameFrequency))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "metrics.addr")
	}
	return nil
}

// Loader handles configuration loading with file layers and environment
// overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "ODIN",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones; JSON and YAML are selected by extension.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load builds the configuration: defaults, then each file layer, then
// environment overrides, then validation.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		if err := l.mergeFile(cfg, path); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "metawriter",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Writer: WriterConfig{
			Directory:           "/tmp",
			FlushFrameFrequency: 100,
			FlushTimeout:        Duration(time.Second),
			SideChannelTTL:      Duration(60 * time.Second),
		},
		Listener: ListenerConfig{
			Subject:   "odin.meta",
			QueueSize: 1024,
			Linger:    Duration(5 * time.Minute),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// mergeFile decodes one file layer onto the config, overriding only the
// fields present in the file.
func (l *Loader) mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("%w: unsupported config format %s", errors.ErrInvalidConfig, path)
	}
}

func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := os.Getenv(l.envPrefix + "_META_SUBJECT"); val != "" {
		cfg.Listener.Subject = val
	}
	if val := os.Getenv(l.envPrefix + "_OUTPUT_DIR"); val != "" {
		cfg.Writer.Directory = val
	}
	if val := os.Getenv(l.envPrefix + "_FILE_PREFIX"); val != "" {
		cfg.Writer.FilePrefix = val
	}
	if val := os.Getenv(l.envPrefix + "_METRICS_ADDR"); val != "" {
		cfg.Metrics.Addr = val
	}
}
