package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/loykin/guarderd"
	"github.com/loykin/guarderd/internal/config"
	"github.com/loykin/guarderd/internal/status"
)

// detachTimeout bounds how long start waits for the daemon to report in.
const detachTimeout = 10 * time.Second

// detach re-executes the binary as a session leader that inherits the locked
// file and returns the daemon pid once it has written its status record.
// The caller's lock handle is handed off on success.
func detach(cfg config.Config, h *guarderd.Lock) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer func() { _ = devnull.Close() }()

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(cfg)...)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.ExtraFiles = []*os.File{h.File()}
	configureDaemonAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if err := waitForDaemon(status.New(cfg.PIDPath()), pid, exited, detachTimeout); err != nil {
		_ = cmd.Process.Kill()
		return 0, err
	}
	if err := h.Handoff(); err != nil {
		return 0, err
	}
	return pid, nil
}

// waitForDaemon polls the status record until it names pid.
func waitForDaemon(store *status.Store, pid int, exited <-chan error, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("daemon %d failed to start: %w (see %s)", pid, err, config.DiagLogFile)
		case <-deadline.C:
			return fmt.Errorf("daemon %d did not report in within %s", pid, timeout)
		case <-tick.C:
			if rec, err := store.Read(); err == nil && rec.DaemonPID == pid {
				return nil
			}
		}
	}
}

// daemonArgs spells out the resolved configuration so the daemon does not
// depend on the config file or environment it was started from.
func daemonArgs(cfg config.Config) []string {
	args := []string{
		"start", "--detached",
		"--status-dir", cfg.StatusDir,
		"--work-dir", cfg.WorkDir,
		"--log-level", cfg.LogLevel,
		"--log-format", cfg.LogFormat,
		"--restart-interval", strconv.Itoa(int(cfg.RestartInterval / time.Second)),
		"--grace-period", strconv.Itoa(int(cfg.GracePeriod / time.Second)),
		"--max-log-size-mib", strconv.Itoa(cfg.MaxLogSizeMiB),
		"--terminate-timeout", cfg.TerminateTimeout.String(),
		"--lock-check-interval", cfg.LockCheckInterval.String(),
	}
	if cfg.HistoryDSN != "" {
		args = append(args, "--history-dsn", cfg.HistoryDSN)
	}
	if cfg.Listen != "" {
		args = append(args, "--listen", cfg.Listen)
	}
	for _, f := range cfg.EnvFiles {
		args = append(args, "--env-file", f)
	}
	for _, kv := range cfg.Env {
		args = append(args, "--env", kv)
	}
	args = append(args, "--")
	return append(args, cfg.Command...)
}
