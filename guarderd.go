// Package guarderd keeps one command running: it restarts the command when it
// exits, captures its output into a bounded log and publishes its state in a
// status directory that separate control invocations can query or stop.
package guarderd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/loykin/guarderd/internal/capture"
	"github.com/loykin/guarderd/internal/config"
	"github.com/loykin/guarderd/internal/env"
	"github.com/loykin/guarderd/internal/history"
	"github.com/loykin/guarderd/internal/history/factory"
	"github.com/loykin/guarderd/internal/lock"
	"github.com/loykin/guarderd/internal/metrics"
	"github.com/loykin/guarderd/internal/process"
	"github.com/loykin/guarderd/internal/server"
	"github.com/loykin/guarderd/internal/status"
	"github.com/loykin/guarderd/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = config.Config

type Record = status.Record

type Snapshot = supervisor.Snapshot

type Spec = process.Spec

type Lock = lock.Handle

var (
	ErrAlreadyRunning = lock.ErrAlreadyRunning
	ErrLockLost       = lock.ErrLockLost
	ErrSpawnFailure   = process.ErrSpawnFailure
	ErrNotRunning     = errors.New("supervisor is not running")
	ErrStopTimeout    = errors.New("supervisor did not stop in time")
)

const (
	pollInterval        = 100 * time.Millisecond
	captureDrainTimeout = 2 * time.Second
	serverStopTimeout   = 2 * time.Second
)

func NewViper(path string) (*viper.Viper, error) { return config.NewViper(path) }
func LoadConfig(v *viper.Viper) (Config, error)  { return config.Load(v) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// Acquire creates the status directory and takes its singleton lock.
// It fails with ErrAlreadyRunning when another supervisor holds it.
func Acquire(cfg Config) (*Lock, error) {
	if err := cfg.EnsureStatusDir(); err != nil {
		return nil, err
	}
	return lock.Acquire(cfg.LockPath())
}

// AdoptLock takes over a lock descriptor inherited from the parent process.
func AdoptLock(cfg Config, f *os.File) (*Lock, error) {
	return lock.Adopt(cfg.LockPath(), f)
}

// ChildSpec builds the command description, composing the child environment
// from the OS environment, env files and explicit KEY=VALUE pairs.
func ChildSpec(cfg Config) (Spec, error) {
	e := env.New()
	for _, f := range cfg.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return Spec{}, err
		}
	}
	e.Set(cfg.Env...)
	return Spec{Command: cfg.Command, WorkDir: cfg.WorkDir, Env: e.Merge(nil)}, nil
}

// Check validates cfg and verifies that the command can be launched.
// An unlaunchable command yields ErrSpawnFailure.
func Check(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	spec, err := ChildSpec(cfg)
	if err != nil {
		return err
	}
	_, err = spec.Resolve()
	return err
}

// Run supervises cfg.Command while holding h until ctx is cancelled.
// It returns nil after a clean stop and ErrLockLost when the lock was taken away.
func Run(ctx context.Context, cfg Config, h *Lock, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	defer func() { _ = h.Release() }()

	spec, err := ChildSpec(cfg)
	if err != nil {
		return err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("register metrics", "error", err)
	}

	out, err := capture.Start(cfg.OutputLogPath(), cfg.MaxLogBytes(), log.With("component", "capture"))
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(captureDrainTimeout); err != nil {
			log.Warn("close output log", "error", err)
		}
	}()

	rec := openHistory(cfg, log)
	defer func() { _ = rec.Close() }()

	sup, err := supervisor.New(cfg, spec, supervisor.Deps{
		Lock:    h,
		Store:   status.New(cfg.PIDPath()),
		Capture: out,
		History: rec,
		Log:     log,
	})
	if err != nil {
		return err
	}

	if cfg.Listen != "" {
		srv, err := server.NewServer(cfg.Listen, "", sup)
		if err != nil {
			log.Error("http observer disabled", "error", err)
		} else {
			log.Info("http observer listening", "addr", srv.Addr)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
		}
	}

	log.Info("supervising", "command", cfg.Command, "status_dir", cfg.StatusDir, "pid", os.Getpid(),
		"restart_interval", cfg.RestartInterval, "grace_period", cfg.GracePeriod)
	return sup.Run(ctx)
}

func openHistory(cfg Config, log *slog.Logger) *history.Recorder {
	if cfg.HistoryDSN == "" {
		return nil
	}
	sink, err := factory.NewSinkFromDSN(cfg.HistoryDSN)
	if err != nil {
		log.Error("history disabled", "error", err)
		return nil
	}
	return history.NewRecorder(sink, history.DefaultSendTimeout, log.With("component", "history"))
}

// Report is the status record plus liveness as observed by the caller.
type Report struct {
	status.Record
	DaemonAlive bool `json:"daemon_alive"`
	ChildAlive  bool `json:"child_alive"`
}

// Status reads the status directory. It returns ErrNotRunning when no
// supervisor has ever written there.
func Status(dir string) (Report, error) {
	rec, err := readRecord(dir)
	if err != nil {
		return Report{}, err
	}
	r := Report{Record: rec}
	r.DaemonAlive = rec.State != supervisor.StateStopped.String() && process.Alive(rec.DaemonPID, rec.DaemonStartUnix)
	r.ChildAlive = r.DaemonAlive && rec.ChildPID > 0 && process.Alive(rec.ChildPID, 0)
	return r, nil
}

// Stop asks the supervisor in dir to shut down and waits until it has
// recorded the stopped state and exited. After timeout the daemon and the
// child's process group are killed and ErrStopTimeout is returned.
func Stop(ctx context.Context, dir string, timeout time.Duration) error {
	rep, err := Status(dir)
	if err != nil {
		return err
	}
	if !rep.DaemonAlive {
		return ErrNotRunning
	}
	if err := unix.Kill(rep.DaemonPID, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("signal supervisor %d: %w", rep.DaemonPID, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	last := rep.Record
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			_ = unix.Kill(rep.DaemonPID, unix.SIGKILL)
			if last.ChildPID > 0 {
				_ = process.Signal(last.ChildPID, unix.SIGKILL)
			}
			return fmt.Errorf("%w after %s (daemon %d)", ErrStopTimeout, timeout, rep.DaemonPID)
		case <-tick.C:
			if r, err := readRecord(dir); err == nil {
				last = r
			}
			if process.Alive(rep.DaemonPID, rep.DaemonStartUnix) {
				continue
			}
			if last.State != supervisor.StateStopped.String() && last.ChildPID > 0 && process.Alive(last.ChildPID, 0) {
				// daemon died without cleaning up; do not leave its child behind
				_ = process.Signal(last.ChildPID, unix.SIGKILL)
			}
			return nil
		}
	}
}

func readRecord(dir string) (status.Record, error) {
	rec, err := status.New(filepath.Join(dir, config.PIDFile)).Read()
	if errors.Is(err, status.ErrNotFound) {
		return status.Record{}, ErrNotRunning
	}
	return rec, err
}
