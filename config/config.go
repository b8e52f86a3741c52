package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Version is reported in protocol status replies and CLI output.
const Version = "0.1.0"

const (
	defaultClockFrequency  = 250_000_000
	defaultSamplesPerCycle = 4
	defaultCellCount       = 2
	defaultListenAddr      = "0.0.0.0:50058"
	defaultMetricsAddr     = "0.0.0.0:8399"
)

// ClockConfig describes the controller clock grid. Durations issued in
// seconds are quantized onto this grid during compilation.
type ClockConfig struct {
	// Controller clock frequency in Hz. One instruction cycle is
	// 1/FrequencyHz seconds.
	FrequencyHz int64 `yaml:"frequencyHz"`
	// DAC/ADC samples generated per clock cycle.
	SamplesPerCycle int `yaml:"samplesPerCycle"`
}

// WithDefaults returns a copy of the ClockConfig with any missing fields set
// to their default values.
func (c ClockConfig) WithDefaults() ClockConfig {
	cpy := c
	if cpy.FrequencyHz == 0 {
		cpy.FrequencyHz = defaultClockFrequency
	}
	if cpy.SamplesPerCycle == 0 {
		cpy.SamplesPerCycle = defaultSamplesPerCycle
	}
	return cpy
}

// EngineConfig sizes the real-time engine.
type EngineConfig struct {
	// Number of digital unit cells available on the platform.
	CellCount int `yaml:"cellCount"`
	// Total heap available to databox allocations, in bytes. Zero means
	// derive from system memory at startup.
	DataBoxHeapBytes uint64 `yaml:"dataBoxHeapBytes"`
	// Maximum queued task error messages before the queue reports full.
	ErrorQueueLength int `yaml:"errorQueueLength"`
}

// WithDefaults returns a copy of the EngineConfig with any missing fields set
// to their default values.
func (c EngineConfig) WithDefaults() EngineConfig {
	cpy := c
	if cpy.CellCount == 0 {
		cpy.CellCount = defaultCellCount
	}
	if cpy.ErrorQueueLength == 0 {
		cpy.ErrorQueueLength = 32
	}
	return cpy
}

// Config is the top-level daemon and client configuration.
type Config struct {
	Clock   ClockConfig  `yaml:"clock"`
	Engine  EngineConfig `yaml:"engine"`
	DB      DBConfig     `yaml:"db"`
	Logger  *LogConfig   `yaml:"logger"`
	LogFile string       `yaml:"logFile"`
	// Address the protocol server listens on.
	ListenAddr string `yaml:"listenAddr"`
	// Address the prometheus metrics endpoint listens on.
	MetricsAddr string `yaml:"metricsAddr"`
}

// WithDefaults returns a copy of the Config with any missing fields set to
// their default values.
func (c Config) WithDefaults() Config {
	cpy := c
	cpy.Clock = cpy.Clock.WithDefaults()
	cpy.Engine = cpy.Engine.WithDefaults()
	cpy.DB = cpy.DB.WithDefaults()
	if cpy.ListenAddr == "" {
		cpy.ListenAddr = defaultListenAddr
	}
	if cpy.MetricsAddr == "" {
		cpy.MetricsAddr = defaultMetricsAddr
	}
	return cpy
}

// LoadConfig reads config.yml from the given directory, creating a default
// file if none exists.
func LoadConfig(configPath string) (*Config, error) {
	file := filepath.Join(configPath, "config.yml")
	data, err := os.ReadFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "load config")
		}
		cfg := Config{}.WithDefaults()
		if cfg.DB.Path == "" {
			cfg.DB.Path = filepath.Join(configPath, "store")
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "load config")
		}
		if err := os.MkdirAll(configPath, 0o755); err != nil {
			return nil, errors.Wrap(err, "load config")
		}
		if err := os.WriteFile(file, out, 0o644); err != nil {
			return nil, errors.Wrap(err, "load config")
		}
		return &cfg, nil
	}

	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	full := cfg.WithDefaults()
	if full.DB.Path == "" {
		full.DB.Path = filepath.Join(configPath, "store")
	}
	return &full, nil
}
