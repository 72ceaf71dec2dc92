package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/autoexec/internal/logger"
)

// EnvPrefix namespaces environment overrides: server.listen -> AUTOEXEC_SERVER_LISTEN.
const EnvPrefix = "AUTOEXEC"

// Config is the complete startup configuration. Nothing in it changes at runtime.
type Config struct {
	ServicesFile      string        `toml:"services_file" mapstructure:"services_file"`
	ReposDir          string        `toml:"repos_dir" mapstructure:"repos_dir"`
	ReconcileInterval time.Duration `toml:"reconcile_interval" mapstructure:"reconcile_interval"`
	CheckInterval     time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	StopTimeout       time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	WorkerStopTimeout time.Duration `toml:"worker_stop_timeout" mapstructure:"worker_stop_timeout"`
	EntryFile         string        `toml:"entry_file" mapstructure:"entry_file"`
	Interpreter       string        `toml:"interpreter" mapstructure:"interpreter"`
	GitBinary         string        `toml:"git_binary" mapstructure:"git_binary"`
	LogCapacity       int           `toml:"log_capacity" mapstructure:"log_capacity"`
	WatchServices     bool          `toml:"watch_services" mapstructure:"watch_services"`
	Env               []string      `toml:"env" mapstructure:"env"`
	EnvFiles          []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv          bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	PIDFile           string        `toml:"pidfile" mapstructure:"pidfile"`

	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	// File receives the manager's own log, rotated. Empty means stderr.
	File string `toml:"file" mapstructure:"file"`
	// WorkerDir receives worker stdout/stderr files. Empty means inherit.
	WorkerDir  string `toml:"worker_dir" mapstructure:"worker_dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled          bool          `toml:"enabled" mapstructure:"enabled"`
	Listen           string        `toml:"listen" mapstructure:"listen"`
	WorkerResources  bool          `toml:"worker_resources" mapstructure:"worker_resources"`
	ResourceInterval time.Duration `toml:"resource_interval" mapstructure:"resource_interval"`
}

type HistoryConfig struct {
	Enabled     bool          `toml:"enabled" mapstructure:"enabled"`
	DSNs        []string      `toml:"dsns" mapstructure:"dsns"`
	SendTimeout time.Duration `toml:"send_timeout" mapstructure:"send_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("services_file", "services.txt")
	v.SetDefault("repos_dir", "repos")
	v.SetDefault("reconcile_interval", 5*time.Second)
	v.SetDefault("check_interval", 30*time.Second)
	v.SetDefault("stop_timeout", 5*time.Second)
	v.SetDefault("worker_stop_timeout", 4*time.Second)
	v.SetDefault("entry_file", "autoexec.txt")
	v.SetDefault("interpreter", "python3")
	v.SetDefault("git_binary", "git")
	v.SetDefault("log_capacity", 20)
	v.SetDefault("watch_services", true)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("pidfile", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "localhost:8000")
	v.SetDefault("server.base_path", "")

	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.worker_dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "localhost:9090")
	v.SetDefault("metrics.worker_resources", true)
	v.SetDefault("metrics.resource_interval", 15*time.Second)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("history.send_timeout", 3*time.Second)
}

// Load reads the TOML file at path, if any, over the built-in defaults and
// applies AUTOEXEC_* environment overrides. An empty path uses defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Default returns the configuration used when no file or environment is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServicesFile) == "" {
		errs = append(errs, errors.New("services_file must be set"))
	}
	if strings.TrimSpace(c.ReposDir) == "" {
		errs = append(errs, errors.New("repos_dir must be set"))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"reconcile_interval", c.ReconcileInterval},
		{"check_interval", c.CheckInterval},
		{"stop_timeout", c.StopTimeout},
		{"worker_stop_timeout", c.WorkerStopTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}
	if c.LogCapacity <= 0 {
		errs = append(errs, fmt.Errorf("log_capacity must be positive, got %d", c.LogCapacity))
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen must be set when the server is enabled"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format must be %q or %q, got %q", logger.FormatText, logger.FormatJSON, c.Log.Format))
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		errs = append(errs, errors.New("metrics.listen must be set when metrics are enabled"))
	}
	if c.Metrics.WorkerResources && c.Metrics.ResourceInterval <= 0 {
		errs = append(errs, errors.New("metrics.resource_interval must be positive"))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history.dsns must list at least one sink when history is enabled"))
	}
	for _, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("env entry %q must be KEY=VALUE", kv))
		}
	}
	return errors.Join(errs...)
}

// Logger converts the [log] section into the logger package configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
		},
		File: c.workerFiles(),
	}
}

// ManagerFiles is the rotation config for the manager's own log file.
func (c *Config) ManagerFiles() logger.FileConfig {
	f := c.workerFiles()
	f.Dir = ""
	return f
}

func (c *Config) workerFiles() logger.FileConfig {
	return logger.FileConfig{
		Dir:        c.Log.WorkerDir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
