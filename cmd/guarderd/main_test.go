package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/guarderd"
	"github.com/loykin/guarderd/internal/config"
	"github.com/loykin/guarderd/internal/lock"
	"github.com/loykin/guarderd/internal/status"
)

const mainEnv = "GUARDERD_CLI_MAIN"

// TestMain lets the test binary act as the real CLI when re-executed by detach.
func TestMain(m *testing.M) {
	if os.Getenv(mainEnv) == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs(args)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func TestHelpListsCommands(t *testing.T) {
	out, err := runCLI(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"start", "stop", "status", "version"} {
		assert.Contains(t, out, sub)
	}
	assert.NotContains(t, out, "detached")
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "guarderd dev"), out)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, exitCode(guarderd.ErrNotRunning))
	assert.Equal(t, 1, exitCode(guarderd.ErrAlreadyRunning))
}

func TestStartRequiresCommand(t *testing.T) {
	_, err := runCLI(t, "start", "--status-dir", t.TempDir(), "--foreground")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

func TestStartReportsSpawnFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, "start", "--status-dir", dir, "--foreground", "--", "/nonexistent/guarderd-cmd")
	assert.ErrorIs(t, err, guarderd.ErrSpawnFailure)

	held, herr := lock.Held(filepath.Join(dir, config.LockFile))
	require.NoError(t, herr)
	assert.False(t, held, "failed start must not keep the lock")
}

func TestStartReportsAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	h, err := lock.Acquire(filepath.Join(dir, config.LockFile))
	require.NoError(t, err)
	defer func() { _ = h.Release() }()

	_, err = runCLI(t, "start", "--status-dir", dir, "--foreground", "--", "sleep", "1")
	assert.ErrorIs(t, err, guarderd.ErrAlreadyRunning)

	// the lock is checked before the command
	_, err = runCLI(t, "start", "--status-dir", dir, "--foreground", "--", "/nonexistent/guarderd-cmd")
	assert.ErrorIs(t, err, guarderd.ErrAlreadyRunning)
	assert.NotErrorIs(t, err, guarderd.ErrSpawnFailure)
}

func TestIsTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.False(t, isTerminal(f))

	// a character device that is not a tty, as the daemon's stderr is
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer func() { _ = devnull.Close() }()
	assert.False(t, isTerminal(devnull))
}

func TestStatusWithoutSupervisor(t *testing.T) {
	_, err := runCLI(t, "status", "--status-dir", t.TempDir())
	assert.ErrorIs(t, err, guarderd.ErrNotRunning)
}

func TestStatusPrintsStoppedRecord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, status.New(filepath.Join(dir, config.PIDFile)).Write(status.Record{
		DaemonPID: 1 << 22, State: "stopped", Spawns: 4, Failures: 1, LastExit: "exit status 2",
	}))

	out, err := runCLI(t, "status", "--status-dir", dir)
	assert.ErrorIs(t, err, guarderd.ErrNotRunning)
	assert.Contains(t, out, "state:     stopped")
	assert.Contains(t, out, "spawns:    4")
	assert.Contains(t, out, "last exit: exit status 2")
	assert.Contains(t, out, "child:     -")

	out, _ = runCLI(t, "status", "--status-dir", dir, "--json")
	var rep guarderd.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 4, rep.Spawns)
	assert.False(t, rep.DaemonAlive)
}

func TestStartDetachStatusStop(t *testing.T) {
	t.Setenv(mainEnv, "1")
	dir := t.TempDir()

	out, err := runCLI(t, "start", "--status-dir", dir, "--grace-period", "0", "--", "sleep", "30")
	require.NoError(t, err)
	require.Contains(t, out, "Daemon started with PID")

	require.Eventually(t, func() bool {
		rep, err := guarderd.Status(dir)
		return err == nil && rep.State == "running" && rep.ChildAlive
	}, 10*time.Second, 20*time.Millisecond)

	held, err := lock.Held(filepath.Join(dir, config.LockFile))
	require.NoError(t, err)
	assert.True(t, held, "daemon must own the inherited lock")

	_, err = runCLI(t, "start", "--status-dir", dir, "--", "sleep", "30")
	assert.ErrorIs(t, err, guarderd.ErrAlreadyRunning)

	out, err = runCLI(t, "stop", "--status-dir", dir, "--timeout", "10s")
	require.NoError(t, err)
	assert.Contains(t, out, "Stopped supervisor")

	rep, err := guarderd.Status(dir)
	require.NoError(t, err)
	assert.Equal(t, "stopped", rep.State)
	_, err = os.Stat(filepath.Join(dir, config.DiagLogFile))
	assert.NoError(t, err, "daemon writes diagnostics to the status directory")
}

func TestDaemonArgs(t *testing.T) {
	cfg := config.Config{
		StatusDir:         "/run/app",
		WorkDir:           "/srv/app",
		Command:           []string{"./server", "--port", "8080"},
		Env:               []string{"MODE=prod"},
		EnvFiles:          []string{"/etc/app.env"},
		RestartInterval:   7 * time.Second,
		GracePeriod:       2 * time.Second,
		MaxLogSizeMiB:     3,
		TerminateTimeout:  4 * time.Second,
		LockCheckInterval: time.Second,
		HistoryDSN:        "sqlite:///run/app/h.db",
		LogLevel:          "debug",
		LogFormat:         "json",
	}
	args := daemonArgs(cfg)
	assert.Equal(t, []string{"start", "--detached"}, args[:2])
	assert.Equal(t, []string{"--", "./server", "--port", "8080"}, args[len(args)-4:])

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--status-dir /run/app", "--work-dir /srv/app", "--restart-interval 7", "--grace-period 2",
		"--max-log-size-mib 3", "--terminate-timeout 4s", "--env MODE=prod", "--env-file /etc/app.env",
		"--history-dsn sqlite:///run/app/h.db", "--log-level debug", "--log-format json",
	} {
		assert.Contains(t, joined, want)
	}
	assert.NotContains(t, joined, "--listen")

	// the daemon must parse back to the same configuration
	start, g := parseStart(t, args...)
	got, err := loadConfig(start, g)
	require.NoError(t, err)
	assert.Equal(t, cfg.StatusDir, got.StatusDir)
	assert.Equal(t, cfg.RestartInterval, got.RestartInterval)
	assert.Equal(t, cfg.TerminateTimeout, got.TerminateTimeout)
	assert.Equal(t, cfg.Env, got.Env)
	assert.Equal(t, cfg.EnvFiles, got.EnvFiles)
	assert.Equal(t, []string{"./server", "--port", "8080"}, start.Flags().Args())
}

func TestConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "guarderd.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
restart_interval = 11
grace_period = 12
max_log_size_mib = 13
`), 0o600))
	t.Setenv("GUARDERD_GRACE_PERIOD", "22")
	t.Setenv("GUARDERD_MAX_LOG_SIZE_MIB", "23")

	start, g := parseStart(t, "start", "--config", file, "--max-log-size-mib", "33", "--", "true")
	cfg, err := loadConfig(start, g)
	require.NoError(t, err)
	assert.Equal(t, 11*time.Second, cfg.RestartInterval, "file beats default")
	assert.Equal(t, 22*time.Second, cfg.GracePeriod, "env beats file")
	assert.Equal(t, 33, cfg.MaxLogSizeMiB, "flag beats env")
}

// parseStart parses args against the start command without running it.
func parseStart(t *testing.T, args ...string) (*cobra.Command, *GlobalFlags) {
	t.Helper()
	root := buildRoot(io.Discard)
	start, rest, err := root.Find(args)
	require.NoError(t, err)
	require.NoError(t, start.ParseFlags(rest))
	path, err := start.Flags().GetString("config")
	require.NoError(t, err)
	return start, &GlobalFlags{ConfigPath: path}
}
