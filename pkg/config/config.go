// Package config loads and validates the poolbench configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (BLOCKPOOL_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	gvmapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/flowgrid/blockpool/internal/bytesize"
	"github.com/flowgrid/blockpool/internal/logger"
)

// Config is the root configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging logger.Config `mapstructure:"logging"`

	// Pool holds the block pool memory constraints.
	Pool PoolConfig `mapstructure:"pool"`

	// Store selects and configures the backing store.
	Store StoreConfig `mapstructure:"store"`

	// Metrics controls the Prometheus endpoint and snapshot sampling.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// PoolConfig holds the block pool memory constraints.
type PoolConfig struct {
	// SoftLimit is the RAM threshold above which unpinned blocks are
	// evicted. 0 disables proactive eviction.
	SoftLimit bytesize.ByteSize `mapstructure:"soft_limit"`

	// HardLimit is the RAM ceiling; admissions block above it. 0 disables
	// admission blocking.
	HardLimit bytesize.ByteSize `mapstructure:"hard_limit"`

	// Workers is the number of workers per host.
	Workers int `mapstructure:"workers" validate:"required,gte=1"`
}

// StoreConfig selects a backing store backend. Backend-specific keys stay in
// Options and are decoded by the backend's own config type.
type StoreConfig struct {
	// Type is one of "memory", "disk", "s3", "badger".
	Type string `mapstructure:"type" validate:"required,oneof=memory disk s3 badger"`

	// Options holds the backend-specific keys of the store section.
	Options map[string]any `mapstructure:",remain"`
}

// DecodeOptions decodes the backend-specific keys into out, honoring
// encoding.TextUnmarshaler fields such as byte sizes.
func (sc StoreConfig) DecodeOptions(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     out,
		DecodeHook: mapstructure.TextUnmarshallerHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("build store option decoder: %w", err)
	}
	if err := dec.Decode(sc.Options); err != nil {
		return fmt.Errorf("decode %s store options: %w", sc.Type, err)
	}
	return nil
}

// MetricsConfig controls the Prometheus endpoint and sampling.
type MetricsConfig struct {
	// Enabled turns the metrics endpoint and sampler on.
	Enabled bool `mapstructure:"enabled"`

	// Listen is the address the metrics HTTP endpoint binds to.
	Listen string `mapstructure:"listen"`

	// SampleInterval is the period of pool snapshot sampling.
	SampleInterval time.Duration `mapstructure:"sample_interval" validate:"gte=0"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BLOCKPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(gvmapstructure.ComposeDecodeHookFunc(
		gvmapstructure.TextUnmarshallerHookFunc(),
		gvmapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
