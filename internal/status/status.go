// Package status persists the supervisor's externally visible state in the
// status directory so that separate control invocations can read it.
package status

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by Read when no record has been written yet.
var ErrNotFound = errors.New("status record not found")

// Record is the on-disk status of one supervisor.
// ChildPID is 0 when no child is currently running.
type Record struct {
	DaemonPID       int       `json:"daemon_pid"`
	ChildPID        int       `json:"child_pid"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Spawns          int       `json:"spawns"`
	LastExit        string    `json:"last_exit,omitempty"`
	DaemonStartUnix int64     `json:"daemon_start_unix,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store reads and atomically replaces the record at a fixed path.
type Store struct {
	path string
}

func New(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

// Write replaces the record in one visible step: the content goes to a
// temporary file in the same directory, is synced, then renamed over path.
func (s *Store) Write(r Record) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".pid-*")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.WriteString(r.encode()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write status: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close status: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod status: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("rename status: %w", err)
	}
	return nil
}

// Read loads the current record. Unknown keys are ignored.
func (s *Store) Read() (Record, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return Parse(string(b))
}

func (r Record) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "daemon_pid: %d\n", r.DaemonPID)
	fmt.Fprintf(&b, "child_pid: %d\n", r.ChildPID)
	fmt.Fprintf(&b, "state: %s\n", r.State)
	fmt.Fprintf(&b, "failures: %d\n", r.Failures)
	fmt.Fprintf(&b, "spawns: %d\n", r.Spawns)
	if r.LastExit != "" {
		fmt.Fprintf(&b, "last_exit: %s\n", oneLine(r.LastExit))
	}
	if r.DaemonStartUnix > 0 {
		fmt.Fprintf(&b, "daemon_start_unix: %d\n", r.DaemonStartUnix)
	}
	if !r.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "updated_at: %s\n", r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	return b.String()
}

// Parse decodes the "key: value" record format.
func Parse(content string) (Record, error) {
	var (
		r                   Record
		haveDaemon, haveKid bool
	)
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		var err error
		switch key {
		case "daemon_pid":
			r.DaemonPID, err = strconv.Atoi(value)
			haveDaemon = err == nil
		case "child_pid":
			r.ChildPID, err = strconv.Atoi(value)
			haveKid = err == nil
		case "state":
			r.State = value
		case "failures":
			r.Failures, err = strconv.Atoi(value)
		case "spawns":
			r.Spawns, err = strconv.Atoi(value)
		case "last_exit":
			r.LastExit = value
		case "daemon_start_unix":
			r.DaemonStartUnix, err = strconv.ParseInt(value, 10, 64)
		case "updated_at":
			r.UpdatedAt, err = time.Parse(time.RFC3339Nano, value)
		}
		if err != nil {
			return Record{}, fmt.Errorf("parse %s: %w", key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return Record{}, err
	}
	if !haveDaemon {
		return Record{}, errors.New("daemon_pid not found in status record")
	}
	if !haveKid {
		return Record{}, errors.New("child_pid not found in status record")
	}
	return r, nil
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
