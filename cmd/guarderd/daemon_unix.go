package main

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/term"
)

// configureDaemonAttrs detaches the daemon into its own session.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
