package main

import "time"

// Flag structs decouple cobra from command logic for testing.

// GlobalFlags are the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	StatusDir  string
	LogLevel   string
	LogFormat  string
}

type StartFlags struct {
	WorkDir           string
	RestartInterval   int // seconds
	GracePeriod       int // seconds
	MaxLogSizeMiB     int
	TerminateTimeout  time.Duration
	LockCheckInterval time.Duration
	HistoryDSN        string
	Listen            string
	EnvKVs            []string
	EnvFiles          []string
	Foreground        bool
	Detached          bool // set on the re-executed daemon only
}

type StopFlags struct {
	Timeout time.Duration
}

type StatusFlags struct {
	JSON bool
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"status-dir":          "status_dir",
	"log-level":           "log_level",
	"log-format":          "log_format",
	"work-dir":            "work_dir",
	"restart-interval":    "restart_interval",
	"grace-period":        "grace_period",
	"max-log-size-mib":    "max_log_size_mib",
	"terminate-timeout":   "terminate_timeout",
	"lock-check-interval": "lock_check_interval",
	"history-dsn":         "history_dsn",
	"listen":              "listen",
	"env":                 "env",
	"env-file":            "env_files",
	"timeout":             "stop_timeout",
}
