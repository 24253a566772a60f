package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/guarderd"
	"github.com/loykin/guarderd/internal/config"
	"github.com/loykin/guarderd/internal/logger"
	"github.com/loykin/guarderd/internal/supervisor"
)

// inheritedLockFD is where the detached daemon finds the locked file
// (the first entry of exec.Cmd.ExtraFiles).
const inheritedLockFD = 3

type command struct {
	out io.Writer
}

// loadConfig layers defaults, the TOML file, GUARDERD_* variables and the
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command, g *GlobalFlags) (config.Config, error) {
	v, err := config.NewViper(g.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := bindFlags(v, cmd.InheritedFlags()); err != nil {
		return config.Config{}, err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	return config.Load(v)
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

func newLogger(cfg config.Config, toFile bool) (*slog.Logger, func() error, error) {
	lc := logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}
	if toFile {
		lc.File = cfg.DiagLogPath()
	} else {
		lc.Color = isTerminal(os.Stderr)
	}
	return logger.New(lc, os.Stderr)
}

// Start takes the lock, validates the command and either supervises in the
// foreground or hands the lock to a detached daemon.
func (c *command) Start(cmd *cobra.Command, g *GlobalFlags, f StartFlags, args []string) error {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Command = args
	}
	if f.Detached {
		return c.runDaemon(cfg)
	}
	h, err := guarderd.Acquire(cfg)
	if err != nil {
		return err
	}
	if err := guarderd.Check(cfg); err != nil {
		_ = h.Release()
		return err
	}
	if f.Foreground {
		return c.runForeground(cfg, h)
	}

	pid, err := detach(cfg, h)
	if err != nil {
		_ = h.Release()
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Daemon started with PID %d\n", pid)
	return nil
}

func (c *command) runForeground(cfg config.Config, h *guarderd.Lock) error {
	log, closeLog, err := newLogger(cfg, false)
	if err != nil {
		_ = h.Release()
		return err
	}
	defer func() { _ = closeLog() }()
	return supervise(cfg, h, log)
}

// runDaemon is the detached side: adopt the inherited lock and supervise.
func (c *command) runDaemon(cfg config.Config) error {
	log, closeLog, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	h, err := guarderd.AdoptLock(cfg, os.NewFile(inheritedLockFD, cfg.LockPath()))
	if err != nil {
		log.Error("adopt inherited lock", "error", err)
		return err
	}
	return supervise(cfg, h, log)
}

func supervise(cfg config.Config, h *guarderd.Lock, log *slog.Logger) error {
	ctx, stop := supervisor.NotifyShutdown(context.Background())
	defer stop()
	if err := guarderd.Run(ctx, cfg, h, log); err != nil {
		log.Error("supervisor exited", "error", err)
		return err
	}
	return nil
}

func (c *command) Stop(cmd *cobra.Command, g *GlobalFlags) error {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	rep, err := guarderd.Status(cfg.StatusDir)
	if err != nil {
		return err
	}
	if err := guarderd.Stop(context.Background(), cfg.StatusDir, cfg.StopTimeout); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Stopped supervisor (PID %d)\n", rep.DaemonPID)
	return nil
}

func (c *command) Status(cmd *cobra.Command, g *GlobalFlags, f StatusFlags) error {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	rep, err := guarderd.Status(cfg.StatusDir)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.out, rep)
	} else {
		printReport(c.out, rep)
	}
	if !rep.DaemonAlive {
		return guarderd.ErrNotRunning
	}
	return nil
}

func (c *command) Version() {
	_, _ = fmt.Fprintf(c.out, "guarderd %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func createStartCommand(guarderdCommand command, g *GlobalFlags, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [flags] -- COMMAND [ARGS...]",
		Short: "Start supervising a command",
		Long: `Start supervising a command. The supervisor detaches into the background
unless --foreground is given. The command may also come from the config file.

Examples:
  guarderd start -- ./server --port 8080
  guarderd start --env-file .env --env MODE=prod -- ./worker
  guarderd start --foreground --listen 127.0.0.1:9090 -- sh -c 'exec ./job'`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return guarderdCommand.Start(cmd, g, *f, args)
		},
	}
	fs := cmd.Flags()
	fs.SetInterspersed(false)
	fs.StringVar(&f.WorkDir, "work-dir", "", "working directory of the command (default: current directory)")
	fs.IntVar(&f.RestartInterval, "restart-interval", config.DefaultRestartInterval, "seconds to wait before restarting after an exit")
	fs.IntVar(&f.GracePeriod, "grace-period", config.DefaultGracePeriod, "seconds a child must survive to count as started")
	fs.IntVar(&f.MaxLogSizeMiB, "max-log-size-mib", config.DefaultMaxLogSizeMiB, "truncate the output log beyond this size")
	fs.DurationVar(&f.TerminateTimeout, "terminate-timeout", config.DefaultTerminateTimeout, "wait after SIGTERM before SIGKILL")
	fs.DurationVar(&f.LockCheckInterval, "lock-check-interval", config.DefaultLockCheckInterval, "how often to verify the singleton lock")
	fs.StringVar(&f.HistoryDSN, "history-dsn", "", "record events to sqlite://, postgres:// or clickhouse:// (optional)")
	fs.StringVar(&f.Listen, "listen", "", "serve /status, /healthz and /metrics on this address (optional)")
	fs.StringArrayVar(&f.EnvKVs, "env", nil, "KEY=VALUE added to the command environment (repeatable)")
	fs.StringArrayVar(&f.EnvFiles, "env-file", nil, ".env file added to the command environment (repeatable)")
	fs.BoolVar(&f.Foreground, "foreground", false, "supervise in the current process instead of detaching")
	fs.BoolVar(&f.Detached, "detached", false, "internal: run as the detached daemon")
	_ = fs.MarkHidden("detached")
	return cmd
}

func createStopCommand(guarderdCommand command, g *GlobalFlags, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the supervisor and its command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return guarderdCommand.Stop(cmd, g)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", config.DefaultStopTimeout, "wait this long before killing the supervisor")
	return cmd
}

func createStatusCommand(guarderdCommand command, g *GlobalFlags, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor state",
		Long: `Show the supervisor state recorded in the status directory.
Exits 3 when no supervisor is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return guarderdCommand.Status(cmd, g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the report as JSON")
	return cmd
}

func createVersionCommand(guarderdCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			guarderdCommand.Version()
		},
	}
}
