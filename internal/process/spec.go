package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrSpawnFailure marks a command that could not be launched at all.
var ErrSpawnFailure = errors.New("command could not be launched")

// Spec describes the supervised command.
type Spec struct {
	Command []string `json:"command"`  // argv; a single element with shell syntax runs under /bin/sh -c
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // full child environment; nil inherits
}

// BuildCommand constructs an *exec.Cmd for the spec.
// A lone argument that contains shell metacharacters (or is an explicit
// "sh -c ..." string) is run through /bin/sh; anything else is exec'd directly.
func (s Spec) BuildCommand() *exec.Cmd {
	var cmd *exec.Cmd
	switch {
	case len(s.Command) == 0:
		// #nosec G204
		cmd = exec.Command("/bin/true")
	case len(s.Command) == 1:
		cmd = buildFromString(s.Command[0])
	default:
		// #nosec G204
		cmd = exec.Command(s.Command[0], s.Command[1:]...)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	return cmd
}

func buildFromString(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with
// one pair of enclosing quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

// Resolve checks that the executable can be found and that WorkDir exists,
// so an obviously broken command is reported before detaching.
func (s Spec) Resolve() (string, error) {
	cmd := s.BuildCommand()
	if cmd.Err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailure, cmd.Err)
	}
	path, err := exec.LookPath(cmd.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	if s.WorkDir != "" {
		st, err := os.Stat(s.WorkDir)
		if err != nil {
			return "", fmt.Errorf("%w: work dir: %v", ErrSpawnFailure, err)
		}
		if !st.IsDir() {
			return "", fmt.Errorf("%w: work dir %s is not a directory", ErrSpawnFailure, s.WorkDir)
		}
	}
	return path, nil
}
