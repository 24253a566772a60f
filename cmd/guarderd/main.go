package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/guarderd"
	"github.com/loykin/guarderd/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "guarderd:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode follows the LSB status convention: 3 means "not running".
func exitCode(err error) int {
	if errors.Is(err, guarderd.ErrNotRunning) {
		return 3
	}
	return 1
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	stopFlags := &StopFlags{}
	statusFlags := &StatusFlags{}

	guarderdCommand := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createStartCommand(guarderdCommand, globalFlags, startFlags),
		createStopCommand(guarderdCommand, globalFlags, stopFlags),
		createStatusCommand(guarderdCommand, globalFlags, statusFlags),
		createVersionCommand(guarderdCommand),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "guarderd",
		Short: "Keep one command running and restart it when it exits",
		Long: `guarderd supervises a single command: it starts it in the background,
restarts it after every exit, captures its output into a size-bounded log and
records its state in a status directory.

Examples:
  guarderd start -- ./server --port 8080
  guarderd start --restart-interval 10 --grace-period 5 -- python worker.py
  guarderd status
  guarderd stop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.StatusDir, "status-dir", config.DefaultStatusDir, "directory holding lock, status and logs")
	pf.StringVar(&flags.LogLevel, "log-level", "info", "diagnostic log level (debug, info, warn, error)")
	pf.StringVar(&flags.LogFormat, "log-format", "text", "diagnostic log format (text, json)")
	return root
}
