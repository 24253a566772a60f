package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the supervisor.
const (
	DefaultStatusDir         = "guarderd.status.d"
	DefaultRestartInterval   = 5 // seconds
	DefaultGracePeriod       = 3 // seconds
	DefaultMaxLogSizeMiB     = 10
	DefaultTerminateTimeout  = 5 * time.Second
	DefaultStopTimeout       = 15 * time.Second
	DefaultLockCheckInterval = 2 * time.Second

	EnvPrefix = "GUARDERD"
)

// Files inside the status directory.
const (
	LockFile      = "lock"
	PIDFile       = "pid"
	OutputLogFile = "stdout.log"
	DiagLogFile   = "guarderd.log"
)

// FileConfig mirrors the TOML config file and the viper keys.
type FileConfig struct {
	StatusDir         string        `toml:"status_dir" mapstructure:"status_dir"`
	WorkDir           string        `toml:"work_dir" mapstructure:"work_dir"`
	Command           []string      `toml:"command" mapstructure:"command"`
	Env               []string      `toml:"env" mapstructure:"env"`
	EnvFiles          []string      `toml:"env_files" mapstructure:"env_files"`
	RestartInterval   int           `toml:"restart_interval" mapstructure:"restart_interval"`
	GracePeriod       int           `toml:"grace_period" mapstructure:"grace_period"`
	MaxLogSizeMiB     int           `toml:"max_log_size_mib" mapstructure:"max_log_size_mib"`
	TerminateTimeout  time.Duration `toml:"terminate_timeout" mapstructure:"terminate_timeout"`
	StopTimeout       time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	LockCheckInterval time.Duration `toml:"lock_check_interval" mapstructure:"lock_check_interval"`
	HistoryDSN        string        `toml:"history_dsn" mapstructure:"history_dsn"`
	Listen            string        `toml:"listen" mapstructure:"listen"`
	LogLevel          string        `toml:"log_level" mapstructure:"log_level"`
	LogFormat         string        `toml:"log_format" mapstructure:"log_format"`
}

// Config is the immutable supervisor configuration. It is built once at
// startup and shared read-only by every component.
type Config struct {
	StatusDir         string
	WorkDir           string
	Command           []string
	Env               []string
	EnvFiles          []string
	RestartInterval   time.Duration
	GracePeriod       time.Duration
	MaxLogSizeMiB     int
	TerminateTimeout  time.Duration
	StopTimeout       time.Duration
	LockCheckInterval time.Duration
	HistoryDSN        string
	Listen            string
	LogLevel          string
	LogFormat         string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("status_dir", DefaultStatusDir)
	v.SetDefault("restart_interval", DefaultRestartInterval)
	v.SetDefault("grace_period", DefaultGracePeriod)
	v.SetDefault("max_log_size_mib", DefaultMaxLogSizeMiB)
	v.SetDefault("terminate_timeout", DefaultTerminateTimeout)
	v.SetDefault("stop_timeout", DefaultStopTimeout)
	v.SetDefault("lock_check_interval", DefaultLockCheckInterval)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// NewViper builds a viper instance with defaults, GUARDERD_* environment
// binding and, when path is non-empty, the TOML config file.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load decodes v into a Config. Relative directories are made absolute
// against the current working directory.
func Load(v *viper.Viper) (Config, error) {
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return fc.toConfig()
}

func (fc FileConfig) toConfig() (Config, error) {
	c := Config{
		StatusDir:         fc.StatusDir,
		WorkDir:           fc.WorkDir,
		Command:           append([]string(nil), fc.Command...),
		Env:               append([]string(nil), fc.Env...),
		EnvFiles:          append([]string(nil), fc.EnvFiles...),
		RestartInterval:   time.Duration(fc.RestartInterval) * time.Second,
		GracePeriod:       time.Duration(fc.GracePeriod) * time.Second,
		MaxLogSizeMiB:     fc.MaxLogSizeMiB,
		TerminateTimeout:  fc.TerminateTimeout,
		StopTimeout:       fc.StopTimeout,
		LockCheckInterval: fc.LockCheckInterval,
		HistoryDSN:        strings.TrimSpace(fc.HistoryDSN),
		Listen:            strings.TrimSpace(fc.Listen),
		LogLevel:          fc.LogLevel,
		LogFormat:         fc.LogFormat,
	}
	if fc.RestartInterval < 0 {
		return Config{}, errors.New("restart_interval must not be negative")
	}
	if fc.GracePeriod < 0 {
		return Config{}, errors.New("grace_period must not be negative")
	}
	if c.StatusDir == "" {
		c.StatusDir = DefaultStatusDir
	}
	abs, err := filepath.Abs(c.StatusDir)
	if err != nil {
		return Config{}, fmt.Errorf("resolve status dir: %w", err)
	}
	c.StatusDir = abs
	if c.WorkDir == "" {
		if c.WorkDir, err = os.Getwd(); err != nil {
			return Config{}, fmt.Errorf("resolve work dir: %w", err)
		}
	} else if c.WorkDir, err = filepath.Abs(c.WorkDir); err != nil {
		return Config{}, fmt.Errorf("resolve work dir: %w", err)
	}
	return c, nil
}

// Validate checks the settings needed to supervise a command.
func (c Config) Validate() error {
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return errors.New("command is required")
	}
	if c.RestartInterval < 0 {
		return errors.New("restart interval must not be negative")
	}
	if c.GracePeriod < 0 {
		return errors.New("grace period must not be negative")
	}
	if c.MaxLogSizeMiB < 1 {
		return fmt.Errorf("max log size must be at least 1 MiB, got %d", c.MaxLogSizeMiB)
	}
	if c.TerminateTimeout <= 0 {
		return errors.New("terminate timeout must be positive")
	}
	if c.LockCheckInterval <= 0 {
		return errors.New("lock check interval must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat)
	}
	return nil
}

// MaxLogBytes is the output log ceiling in bytes.
func (c Config) MaxLogBytes() int64 { return int64(c.MaxLogSizeMiB) << 20 }

func (c Config) LockPath() string      { return filepath.Join(c.StatusDir, LockFile) }
func (c Config) PIDPath() string       { return filepath.Join(c.StatusDir, PIDFile) }
func (c Config) OutputLogPath() string { return filepath.Join(c.StatusDir, OutputLogFile) }
func (c Config) DiagLogPath() string   { return filepath.Join(c.StatusDir, DiagLogFile) }

// EnsureStatusDir creates the status directory.
func (c Config) EnsureStatusDir() error {
	if err := os.MkdirAll(c.StatusDir, 0o750); err != nil {
		return fmt.Errorf("create status dir %s: %w", c.StatusDir, err)
	}
	return nil
}
