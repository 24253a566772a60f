package lock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyRunning is returned when another supervisor holds the lock.
	ErrAlreadyRunning = errors.New("another supervisor is already running for this status directory")
	// ErrLockLost is returned by Verify when the lock file was removed or replaced.
	ErrLockLost = errors.New("singleton lock lost")
)

// Handle is a held exclusive flock on a lock file. The lock lives as long as
// the underlying open file description, so it is released automatically when
// the owning process dies.
type Handle struct {
	mu   sync.Mutex
	path string
	f    *os.File
	dev  uint64
	ino  uint64
}

// Acquire opens (creating if needed) the lock file at path and takes a
// non-blocking exclusive lock on it.
func Acquire(path string) (*Handle, error) {
	// #nosec G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	h, err := Adopt(path, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return h, nil
}

// Adopt takes ownership of an already opened lock file, typically one
// inherited across detachment, and (re)asserts the exclusive lock on it.
// Locking an open file description that already holds the lock succeeds.
func Adopt(path string, f *os.File) (*Handle, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	// An inherited descriptor lost FD_CLOEXEC across exec; without it every
	// child we spawn would keep the lock alive after we die.
	unix.CloseOnExec(int(f.Fd()))
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return nil, fmt.Errorf("stat lock file %s: %w", path, err)
	}
	return &Handle{path: path, f: f, dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil
}

// Path returns the lock file path.
func (h *Handle) Path() string { return h.path }

// File exposes the locked file so it can be handed to a detached process.
func (h *Handle) File() *os.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f
}

// Verify checks that the path still names the file we hold the lock on.
func (h *Handle) Verify() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return ErrLockLost
	}
	var st unix.Stat_t
	if err := unix.Stat(h.path, &st); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLockLost, h.path, err)
	}
	if uint64(st.Dev) != h.dev || uint64(st.Ino) != h.ino {
		return fmt.Errorf("%w: %s was replaced", ErrLockLost, h.path)
	}
	return nil
}

// Release unlocks and closes the lock file. It is safe to call more than once.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	fd := int(h.f.Fd())
	uerr := unix.Flock(fd, unix.LOCK_UN)
	cerr := h.f.Close()
	h.f = nil
	if uerr != nil {
		return fmt.Errorf("unlock %s: %w", h.path, uerr)
	}
	return cerr
}

// Handoff closes our descriptor without unlocking. Use it once another
// process has inherited the same open file description and owns the lock.
func (h *Handle) Handoff() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

// Held reports whether some process currently holds the lock at path.
// It briefly takes and drops the lock when it is free.
func Held(path string) (bool, error) {
	// #nosec G304
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer func() { _ = f.Close() }()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, nil
		}
		return false, err
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}
