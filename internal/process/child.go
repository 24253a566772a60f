package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Exit describes how a child finished.
type Exit struct {
	Err      error     // nil on status 0
	Code     int       // exit code, -1 when killed by a signal
	Signal   string    // signal name when killed by a signal
	ExitedAt time.Time // when Wait returned
}

func (e Exit) String() string {
	if e.Err == nil {
		return "exit status 0"
	}
	return e.Err.Error()
}

// Child is a started command. Done delivers exactly one Exit.
type Child struct {
	PID       int
	StartedAt time.Time
	Done      <-chan Exit
	cmd       *exec.Cmd
}

// Start launches spec with stdout and stderr both wired to out and stdin
// from the null device. The returned error wraps ErrSpawnFailure.
func Start(spec Spec, out *os.File) (*Child, error) {
	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd)
	cmd.Stdin = nil
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	done := make(chan Exit, 1)
	c := &Child{PID: cmd.Process.Pid, StartedAt: time.Now(), Done: done, cmd: cmd}
	go func() {
		err := cmd.Wait()
		done <- exitFrom(err)
	}()
	return c, nil
}

func exitFrom(err error) Exit {
	e := Exit{Err: err, ExitedAt: time.Now()}
	if err == nil {
		return e
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		e.Code = ee.ExitCode()
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			e.Signal = ws.Signal().String()
		}
		return e
	}
	e.Code = -1
	return e
}
