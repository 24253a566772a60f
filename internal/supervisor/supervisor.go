// Package supervisor runs one command under a restart policy: spawn, watch
// the grace period, wait for exit, wait the restart interval, spawn again,
// until the context is cancelled or the singleton lock is lost.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/guarderd/internal/capture"
	"github.com/loykin/guarderd/internal/config"
	"github.com/loykin/guarderd/internal/history"
	"github.com/loykin/guarderd/internal/lock"
	"github.com/loykin/guarderd/internal/metrics"
	"github.com/loykin/guarderd/internal/process"
	"github.com/loykin/guarderd/internal/status"
)

// Deps are the resources a Supervisor drives. Lock, Store and Capture are
// required; the caller keeps ownership of Capture and History.
type Deps struct {
	Lock    *lock.Handle
	Store   *status.Store
	Capture *capture.Capture
	History *history.Recorder
	Log     *slog.Logger
}

// Supervisor holds all supervision state. Only Run mutates it; other
// goroutines use Snapshot.
type Supervisor struct {
	cfg  config.Config
	spec process.Spec

	lock    *lock.Handle
	store   *status.Store
	capture *capture.Capture
	history *history.Recorder
	log     *slog.Logger
	signal  func(pid int, sig unix.Signal) error

	state       State
	child       *process.Child
	rec         ChildRecord
	daemonStart time.Time
	startUnix   int64
	lockLost    bool

	snap atomic.Pointer[Snapshot]
}

// New builds a supervisor for spec. Timing comes from cfg.
func New(cfg config.Config, spec process.Spec, d Deps) (*Supervisor, error) {
	if d.Lock == nil || d.Store == nil || d.Capture == nil {
		return nil, errors.New("supervisor: lock, status store and capture are required")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if cfg.LockCheckInterval <= 0 {
		cfg.LockCheckInterval = config.DefaultLockCheckInterval
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = config.DefaultTerminateTimeout
	}
	s := &Supervisor{
		cfg:     cfg,
		spec:    spec,
		lock:    d.Lock,
		store:   d.Store,
		capture: d.Capture,
		history: d.History,
		log:     d.Log.With("component", "supervisor"),
		signal:  process.Signal,
	}
	s.publish()
	return s, nil
}

// Snapshot returns the most recently published view. Safe for concurrent use.
func (s *Supervisor) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Run supervises until ctx is cancelled (returns nil after a clean stop) or
// the lock is lost (returns an error wrapping lock.ErrLockLost). Run must be
// called once.
func (s *Supervisor) Run(ctx context.Context) error {
	s.daemonStart = time.Now()
	s.startUnix = process.StartUnix(os.Getpid())
	s.setState(StateInitializing)

	tick := time.NewTicker(s.cfg.LockCheckInterval)
	defer tick.Stop()

	for {
		var err error
		switch s.state {
		case StateInitializing:
			s.spawn(ctx)
		case StateGracePeriod:
			err = s.waitGrace(ctx, tick.C)
		case StateRunning:
			err = s.waitRunning(ctx, tick.C)
		case StateRestartPending:
			err = s.waitRestart(ctx, tick.C)
		case StateTerminating:
			s.terminateChild()
			s.finish(ctx)
			return nil
		default:
			return fmt.Errorf("supervisor in unexpected state %s", s.state)
		}
		if err != nil {
			return s.abort(err)
		}
	}
}

func (s *Supervisor) waitGrace(ctx context.Context, lockTick <-chan time.Time) error {
	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.setState(StateTerminating)
			return nil
		case ex := <-s.child.Done:
			s.childExited(ex, true)
			return nil
		case <-timer.C:
			s.log.Info("child passed grace period", "pid", s.rec.PID, "grace", s.cfg.GracePeriod)
			s.setState(StateRunning)
			return nil
		case <-lockTick:
			if err := s.lock.Verify(); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) waitRunning(ctx context.Context, lockTick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			s.setState(StateTerminating)
			return nil
		case ex := <-s.child.Done:
			s.childExited(ex, false)
			return nil
		case <-lockTick:
			if err := s.lock.Verify(); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) waitRestart(ctx context.Context, lockTick <-chan time.Time) error {
	timer := time.NewTimer(s.cfg.RestartInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.setState(StateTerminating)
			return nil
		case <-timer.C:
			s.spawn(ctx)
			return nil
		case <-lockTick:
			if err := s.lock.Verify(); err != nil {
				return err
			}
		}
	}
}

// spawn starts a child. A spawn failure counts as an immediate failed start.
func (s *Supervisor) spawn(ctx context.Context) {
	child, err := process.Start(s.spec, s.capture.Stream())
	if err != nil {
		rec := s.rec
		rec.PID = 0
		rec.LastExit = err.Error()
		rec.ExitCode = -1
		rec.Failures++
		s.rec = rec

		metrics.IncSpawnFailure()
		metrics.SetConsecutiveFailures(rec.Failures)
		s.log.Error("spawn failed", "error", err, "failures", rec.Failures)
		s.capture.Notef("failed to start command: %v", err)
		s.setState(StateRestartPending)
		s.record(ctx, history.EventExit)
		return
	}

	s.child = child
	rec := s.rec
	rec.PID = child.PID
	rec.SpawnedAt = child.StartedAt
	rec.Spawns++
	s.rec = rec

	metrics.IncSpawn()
	s.log.Info("child started", "pid", child.PID, "spawns", rec.Spawns)
	s.capture.Notef("started child %d", child.PID)
	s.setState(StateGracePeriod)
	s.record(ctx, history.EventSpawn)
	if s.cfg.GracePeriod <= 0 {
		s.setState(StateRunning)
	}
}

// childExited records an exit. Exits inside the grace period are failed
// starts; an exit from running resets the failure count.
func (s *Supervisor) childExited(ex process.Exit, failedStart bool) {
	pid := s.rec.PID
	uptime := ex.ExitedAt.Sub(s.rec.SpawnedAt)
	s.child = nil

	rec := s.rec
	rec.PID = 0
	rec.LastExit = ex.String()
	rec.ExitCode = ex.Code
	if failedStart {
		rec.Failures++
		metrics.IncFailedStart()
	} else {
		rec.Failures = 0
	}
	s.rec = rec

	kind := "exited"
	if ex.Signal != "" {
		kind = "signaled"
	}
	metrics.ObserveExit(kind, uptime.Seconds())
	metrics.SetConsecutiveFailures(rec.Failures)

	if failedStart {
		s.log.Warn("child exited during grace period", "pid", pid, "exit", rec.LastExit, "failures", rec.Failures, "uptime", uptime)
	} else {
		s.log.Info("child exited", "pid", pid, "exit", rec.LastExit, "uptime", uptime)
	}
	s.capture.Notef("child %d exited with status %s", pid, rec.LastExit)
	s.setState(StateRestartPending)
	s.record(context.Background(), history.EventExit)
}

// finish publishes the final stopped status and releases the lock, in that
// order, so a successor never has its status overwritten by us.
func (s *Supervisor) finish(ctx context.Context) {
	s.setState(StateStopped)
	s.record(ctx, history.EventStop)
	s.capture.Notef("supervisor stopped")
	if err := s.lock.Release(); err != nil {
		s.log.Warn("release lock", "error", err)
	}
	s.log.Info("supervisor stopped", "spawns", s.rec.Spawns)
}

// abort handles a fatal error (lock loss): the child is terminated but the
// status file is left alone since another instance may now own it.
func (s *Supervisor) abort(err error) error {
	s.lockLost = true
	s.log.Error("lock lost, terminating", "error", err, "lock", s.lock.Path())
	s.setState(StateTerminating)
	s.terminateChild()
	s.setState(StateStopped)
	s.capture.Notef("lock lost, supervisor exiting")
	_ = s.lock.Release()
	return fmt.Errorf("supervise %s: %w", s.cfg.StatusDir, err)
}

func (s *Supervisor) setState(next State) {
	prev := s.state
	s.state = next
	from := prev.String()
	if next == StateInitializing {
		from = ""
	}
	metrics.RecordStateTransition(from, next.String())
	s.publish()
	s.log.Debug("state transition", "from", from, "to", next.String(), "pid", s.rec.PID)
	s.writeStatus()
}

func (s *Supervisor) publish() {
	s.snap.Store(&Snapshot{
		State:       s.state,
		Child:       s.rec,
		DaemonPID:   os.Getpid(),
		DaemonStart: s.daemonStart,
		UpdatedAt:   time.Now().UTC(),
	})
}

func (s *Supervisor) writeStatus() {
	if s.lockLost {
		return
	}
	r := status.Record{
		DaemonPID:       os.Getpid(),
		ChildPID:        s.rec.PID,
		State:           s.state.String(),
		Failures:        s.rec.Failures,
		Spawns:          s.rec.Spawns,
		LastExit:        s.rec.LastExit,
		DaemonStartUnix: s.startUnix,
		UpdatedAt:       time.Now().UTC(),
	}
	if !s.state.HasChild() {
		r.ChildPID = 0
	}
	if err := s.store.Write(r); err != nil {
		s.log.Error("write status", "path", s.store.Path(), "error", err)
	}
}

func (s *Supervisor) record(ctx context.Context, t history.EventType) {
	s.history.Record(ctx, history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			DaemonPID: os.Getpid(),
			ChildPID:  s.rec.PID,
			State:     s.state.String(),
			Failures:  s.rec.Failures,
			Spawns:    s.rec.Spawns,
			Exit:      s.rec.LastExit,
			StartedAt: s.rec.SpawnedAt,
		},
	})
}
