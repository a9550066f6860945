package recorder

import (
	"github.com/hazyhaar/viewreplay/recorder/internal/config"
)

// Config is the top-level recorder configuration. Re-exported from internal.
type Config = config.Config

// CaptureConfig controls the frame ticker.
type CaptureConfig = config.CaptureConfig

// BatchConfig controls event batching.
type BatchConfig = config.BatchConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// UploadConfig controls the durable upload queue.
type UploadConfig = config.UploadConfig

// LoadConfigFile reads, defaults and validates a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes, defaults and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// DefaultConfig returns the defaults with a single stdout sink.
func DefaultConfig() *Config {
	return config.Default()
}
