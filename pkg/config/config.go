// Package config loads pushd's layered configuration: defaults, then an
// optional YAML file, then PUSHD_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Mode selects whether the dispatcher routes work across many registered
// projects or services only the project rooted at the current working
// directory. Decided once at startup.
type Mode string

const (
	ModeRouted        Mode = "routed"
	ModeSingleProject Mode = "single_project"
)

// Config is pushd's full runtime configuration.
type Config struct {
	BaseURL        string     `mapstructure:"base_url"`
	Mode           Mode       `mapstructure:"mode"`
	PollInterval   string     `mapstructure:"poll_interval"`
	MaxConcurrent  int        `mapstructure:"max_concurrent"`
	TaskTimeout    string     `mapstructure:"task_timeout"`
	IdleWarnAfter  string     `mapstructure:"idle_warn_after"`
	IdlePhaseAfter string     `mapstructure:"idle_phase_after"`
	Assistant      Assistant  `mapstructure:"assistant"`
	Log            LogConfig  `mapstructure:"log"`
	Metrics        Metrics    `mapstructure:"metrics"`
	PIDFile        string     `mapstructure:"pid_file"`
	VersionFile    string     `mapstructure:"version_file"`
	StatusFile     string     `mapstructure:"status_file"`
}

// Assistant configures how the coding-assistant child is invoked.
type Assistant struct {
	Command      string   `mapstructure:"command"`
	AllowedTools []string `mapstructure:"allowed_tools"`
}

// LogConfig mirrors pushlog.Config in mapstructure-friendly form.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSONOutput bool   `mapstructure:"json_output"`
	File       string `mapstructure:"file"`
}

// Metrics configures the optional loopback Prometheus endpoint.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load reads configuration from the given file path (if non-empty),
// overlays environment variables under the PUSHD_ prefix, and fills any
// remaining fields with defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("pushd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "https://api.pushtodo.dev")
	v.SetDefault("mode", string(ModeRouted))
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("max_concurrent", 5)
	v.SetDefault("task_timeout", "3600s")
	v.SetDefault("idle_warn_after", "300s")
	v.SetDefault("idle_phase_after", "600s")
	v.SetDefault("assistant.command", "claude")
	v.SetDefault("assistant.allowed_tools", []string{"edit", "read", "bash"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json_output", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
	v.SetDefault("pid_file", "")
	v.SetDefault("version_file", "")
	v.SetDefault("status_file", "")
}

func (cfg *Config) validate() error {
	switch cfg.Mode {
	case ModeRouted, ModeSingleProject:
	default:
		return fmt.Errorf("config: invalid mode %q (must be %q or %q)", cfg.Mode, ModeRouted, ModeSingleProject)
	}
	if cfg.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max_concurrent must be positive, got %d", cfg.MaxConcurrent)
	}
	return nil
}
