// Package config handles recorder configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level recorder configuration.
type Config struct {
	SessionID string        `yaml:"session_id"`
	Capture   CaptureConfig `yaml:"capture"`
	Batch     BatchConfig   `yaml:"batch"`
	Sinks     []SinkConfig  `yaml:"sinks" validate:"dive"`
	Upload    UploadConfig  `yaml:"upload"`
}

// CaptureConfig controls the frame ticker.
type CaptureConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// FullSnapshotEvery forces a full snapshot every N frames. 0 disables.
	FullSnapshotEvery int    `yaml:"full_snapshot_every" validate:"gte=0"`
	HrefPrefix        string `yaml:"href_prefix"`
}

// BatchConfig controls event batching before delivery to sinks.
type BatchConfig struct {
	Window    time.Duration `yaml:"window" validate:"gte=0"`
	MaxEvents int           `yaml:"max_events" validate:"gte=0"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type    string `yaml:"type" validate:"required,oneof=stdout webhook queue"`
	URL     string `yaml:"url" validate:"omitempty,url"` // webhook, queue
	Gzip    bool   `yaml:"gzip"`
	Retries int    `yaml:"retries" validate:"gte=0"`
}

// UploadConfig controls the durable upload queue used by "queue" sinks.
type UploadConfig struct {
	DB           string        `yaml:"db"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0"`
	Backoff      time.Duration `yaml:"backoff" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	Visibility   time.Duration `yaml:"visibility" validate:"gte=0"`
}

var validate = validator.New()

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and a single
// stdout sink.
func Default() *Config {
	cfg := &Config{Sinks: []SinkConfig{{Type: "stdout"}}}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Capture.Interval <= 0 {
		c.Capture.Interval = time.Second
	}
	if c.Capture.HrefPrefix == "" {
		c.Capture.HrefPrefix = "app://"
	}
	if c.Batch.Window <= 0 {
		c.Batch.Window = 5 * time.Second
	}
	if c.Batch.MaxEvents <= 0 {
		c.Batch.MaxEvents = 500
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries == 0 {
			c.Sinks[i].Retries = 3
		}
	}
	if c.Upload.DB == "" {
		c.Upload.DB = "replay-uploads.db"
	}
	if c.Upload.MaxAttempts <= 0 {
		c.Upload.MaxAttempts = 5
	}
	if c.Upload.Backoff <= 0 {
		c.Upload.Backoff = time.Second
	}
	if c.Upload.PollInterval <= 0 {
		c.Upload.PollInterval = time.Second
	}
	if c.Upload.Visibility <= 0 {
		c.Upload.Visibility = 30 * time.Second
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var errs []error
	for i, s := range c.Sinks {
		if (s.Type == "webhook" || s.Type == "queue") && s.URL == "" {
			errs = append(errs, fmt.Errorf("config: sinks[%d]: %s sink requires url", i, s.Type))
		}
	}
	return errors.Join(errs...)
}
