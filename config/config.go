/*
   Copyright The Soci Snapshotter Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/errdefs"
	"github.com/pelletier/go-toml/v2"

	"github.com/awslabs/xz-decom/decom"
)

// DefaultConfigPath is the default filesystem path for the configuration file.
const DefaultConfigPath = "/etc/xz-decom/config.toml"

type Config struct {
	// DictMaxStr is the dictionary ceiling, e.g. "64MB".
	DictMaxStr string `toml:"dict_max"`
	DictMax    uint32 `toml:"-"`

	// BufferSize is the capacity of the transfer buffer in bytes.
	BufferSize int `toml:"buffer_size"`

	// MetricsAddress is address for the metrics API
	MetricsAddress string `toml:"metrics_address"`

	// NoPrometheus is a flag to disable the emission of the metrics
	NoPrometheus bool `toml:"no_prometheus"`

	// LogLevel is the logrus level name.
	LogLevel string `toml:"log_level"`

	Bench BenchConfig `toml:"bench"`
	Batch BatchConfig `toml:"batch"`
}

// BenchConfig configures the bench command.
type BenchConfig struct {
	Runs int `toml:"runs"`
}

// BatchConfig configures decompression of several files at once.
// A negative MaxConcurrency removes the limit.
type BatchConfig struct {
	MaxConcurrency int `toml:"max_concurrency"`
}

type configParser func(*Config) error

var parsers = []configParser{parseRootConfig, parseDecoderConfig, parseBenchConfig, parseBatchConfig}

// NewConfig returns an initialized Config with default values set.
func NewConfig() *Config {
	cfg := &Config{}
	// Defaults are valid, so the parsers cannot fail here.
	_ = parseConfig(cfg)
	return cfg
}

func NewConfigFromToml(cfgPath string) (*Config, error) {
	f, err := os.Open(cfgPath)
	if err != nil {
		if os.IsNotExist(err) && cfgPath == DefaultConfigPath {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to open config file %q: %w", cfgPath, err)
	}
	defer f.Close()

	cfg := &Config{}
	// Get configuration from specified file
	if err = toml.NewDecoder(f).DisallowUnknownFields().Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", cfgPath, err)
	}
	if err := parseConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", cfgPath, err)
	}
	return cfg, nil
}

func parseConfig(cfg *Config) error {
	var errs []error
	for _, p := range parsers {
		errs = append(errs, p(cfg))
	}
	return errors.Join(errs...)
}

func parseRootConfig(cfg *Config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	return nil
}

func parseDecoderConfig(cfg *Config) error {
	size, err := ParseSize(cfg.DictMaxStr)
	if err != nil {
		return fmt.Errorf("dict_max: %w", err)
	}
	cfg.DictMax = size
	if cfg.BufferSize == 0 {
		cfg.BufferSize = decom.DefaultBufferSize
	}
	if cfg.BufferSize < 0 {
		return fmt.Errorf("buffer_size must be positive, got %d: %w", cfg.BufferSize, errdefs.ErrInvalidArgument)
	}
	return nil
}

func parseBenchConfig(cfg *Config) error {
	if cfg.Bench.Runs == 0 {
		cfg.Bench.Runs = defaultBenchRuns
	}
	if cfg.Bench.Runs < 0 {
		return fmt.Errorf("bench.runs must be positive, got %d: %w", cfg.Bench.Runs, errdefs.ErrInvalidArgument)
	}
	return nil
}

func parseBatchConfig(cfg *Config) error {
	if cfg.Batch.MaxConcurrency == 0 {
		cfg.Batch.MaxConcurrency = defaultMaxConcurrency
	}
	return nil
}

// DecompressorOptions returns the decom options this config selects.
func (cfg *Config) DecompressorOptions() []decom.Option {
	return []decom.Option{
		decom.WithDictMax(cfg.DictMax),
		decom.WithBufferSize(cfg.BufferSize),
		decom.WithMetrics(!cfg.NoPrometheus),
	}
}
