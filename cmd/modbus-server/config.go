package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config defines the server configuration structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Address     string        `mapstructure:"address"`      // e.g. "0.0.0.0:502"
	MaxSessions int           `mapstructure:"max_sessions"` // concurrent connections
	Overflow    string        `mapstructure:"overflow"`     // "reject-new" or "evict-oldest"
	Grace       time.Duration `mapstructure:"grace"`        // shutdown grace period
	Units       []int         `mapstructure:"units"`        // unit ids served; empty serves all
}

// PersistenceConfig defines data storage settings.
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory" or "mmap"
	Path string `mapstructure:"path"` // file path for "mmap"
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// LoadConfig loads configuration from file.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-server/")
		v.AddConfigPath(".")
	}

	v.SetDefault("server.address", "0.0.0.0:502")
	v.SetDefault("server.max_sessions", 16)
	v.SetDefault("server.overflow", "reject-new")
	v.SetDefault("server.grace", 5*time.Second)
	v.SetDefault("persistence.type", "memory")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch config.Server.Overflow {
	case "reject-new", "evict-oldest":
	default:
		return nil, fmt.Errorf("invalid overflow policy %q", config.Server.Overflow)
	}
	if config.Persistence.Type == "mmap" && config.Persistence.Path == "" {
		return nil, fmt.Errorf("persistence type mmap needs a path")
	}

	return &config, nil
}
