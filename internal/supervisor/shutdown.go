package supervisor

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/guarderd/internal/process"
)

// killWait bounds the wait for a child to be reaped after SIGKILL.
const killWait = 5 * time.Second

// NotifyShutdown returns a context cancelled on SIGTERM or SIGINT.
func NotifyShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
}

// terminateChild sends SIGTERM to the child's process group and escalates to
// SIGKILL when delivery fails or the child outlives TerminateTimeout.
func (s *Supervisor) terminateChild() {
	if s.child == nil {
		return
	}
	child := s.child
	log := s.log.With("pid", child.PID)

	if err := s.signal(child.PID, unix.SIGTERM); err != nil {
		log.Warn("SIGTERM delivery failed, killing", "error", err)
		if kerr := s.signal(child.PID, unix.SIGKILL); kerr != nil {
			log.Error("SIGKILL delivery failed", "error", kerr)
		}
	}

	var ex process.Exit
	select {
	case ex = <-child.Done:
	case <-time.After(s.cfg.TerminateTimeout):
		log.Warn("child ignored SIGTERM, killing", "timeout", s.cfg.TerminateTimeout)
		if err := s.signal(child.PID, unix.SIGKILL); err != nil {
			log.Error("SIGKILL delivery failed", "error", err)
		}
		select {
		case ex = <-child.Done:
		case <-time.After(killWait):
			log.Error("child not reaped after SIGKILL")
			ex = process.Exit{Err: errors.New("not reaped after SIGKILL"), Code: -1, ExitedAt: time.Now()}
		}
	}

	s.child = nil
	rec := s.rec
	rec.PID = 0
	rec.LastExit = ex.String()
	rec.ExitCode = ex.Code
	s.rec = rec
	log.Info("child terminated", "exit", rec.LastExit)
	s.capture.Notef("child %d terminated with status %s", child.PID, rec.LastExit)
}
