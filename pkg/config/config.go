// Package config provides a reusable loader for execution-core configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/aethercore/execution-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for an execution-core node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Store struct {
		Path string `mapstructure:"path" json:"path"`
	} `mapstructure:"store" json:"store"`

	Genesis struct {
		File string `mapstructure:"file" json:"file"`
	} `mapstructure:"genesis" json:"genesis"`

	Fees struct {
		BaseFee       uint64 `mapstructure:"base_fee" json:"base_fee"`
		PerByteFee    uint64 `mapstructure:"per_byte_fee" json:"per_byte_fee"`
		PerGasFee     uint64 `mapstructure:"per_gas_fee" json:"per_gas_fee"`
		PerMemByteFee uint64 `mapstructure:"per_mem_byte_fee" json:"per_mem_byte_fee"`
		MemoryBytes   uint64 `mapstructure:"memory_bytes" json:"memory_bytes"`
	} `mapstructure:"fees" json:"fees"`

	VM struct {
		MaxMemoryBytes    uint64 `mapstructure:"max_memory_bytes" json:"max_memory_bytes"`
		MaxCallStackDepth int    `mapstructure:"max_call_stack_depth" json:"max_call_stack_depth"`
	} `mapstructure:"vm" json:"vm"`

	Scheduler struct {
		MaxWorkers int `mapstructure:"max_workers" json:"max_workers"`
	} `mapstructure:"scheduler" json:"scheduler"`

	Snapshot struct {
		CompressionLevel int `mapstructure:"compression_level" json:"compression_level"`
	} `mapstructure:"snapshot" json:"snapshot"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up matching process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the AEC_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("AEC_ENV", ""))
}
