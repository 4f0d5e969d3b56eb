// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads windlassd runtime configuration: defaults, an
// optional YAML file, and WINDLASS_* environment overrides, in that
// precedence order (env wins).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the windlassd runtime configuration.
type Config struct {
	// DatabasePath is the SQLite database file. ":memory:" runs ephemeral.
	DatabasePath string `mapstructure:"database_path"`

	Workers         int           `mapstructure:"workers"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxIdleInterval time.Duration `mapstructure:"max_idle_interval"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`

	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`

	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`

	PassBudgetSteps    int           `mapstructure:"pass_budget_steps"`
	PassBudgetDuration time.Duration `mapstructure:"pass_budget_duration"`

	ClaimLease        time.Duration `mapstructure:"claim_lease"`
	ShortPollInterval time.Duration `mapstructure:"short_poll_interval"`

	Debug bool `mapstructure:"debug"`
}

// Load reads configuration. path optionally names a YAML file; a missing
// path is fine, defaults plus environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database_path", "windlass.db")
	v.SetDefault("workers", 4)
	v.SetDefault("poll_interval", 250*time.Millisecond)
	v.SetDefault("max_idle_interval", 5*time.Second)
	v.SetDefault("janitor_interval", 30*time.Second)
	v.SetDefault("handler_timeout", 5*time.Minute)
	v.SetDefault("backoff_base", time.Second)
	v.SetDefault("backoff_cap", 30*time.Second)
	v.SetDefault("pass_budget_steps", 100)
	v.SetDefault("pass_budget_duration", 30*time.Second)
	v.SetDefault("claim_lease", time.Minute)
	v.SetDefault("short_poll_interval", 500*time.Millisecond)
	v.SetDefault("debug", false)

	v.SetEnvPrefix("WINDLASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff_cap (%s) must be at least backoff_base (%s)", c.BackoffCap, c.BackoffBase)
	}
	if c.ClaimLease <= 0 {
		return fmt.Errorf("claim_lease must be positive, got %s", c.ClaimLease)
	}
	return nil
}
