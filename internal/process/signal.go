package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Signal delivers sig to the process group led by pid, falling back to the
// single process when the group is gone or not ours.
func Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

// Exists reports whether a process with pid exists (EPERM counts as existing).
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
