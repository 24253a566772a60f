package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/loykin/guarderd/internal/metrics"
)

// Writer appends to a single log file and truncates it to empty once the
// running size exceeds max. Prior content is discarded, not archived.
// Writer is not safe for concurrent use; Capture owns it from one goroutine.
type Writer struct {
	path string
	f    *os.File
	size int64
	max  int64
	now  func() time.Time
}

// OpenWriter opens path for appending. The size counter is seeded from one
// stat call and maintained in memory afterwards. max <= 0 disables rotation.
func OpenWriter(path string, max int64) (*Writer, error) {
	// #nosec G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}
	w := &Writer{path: path, f: f, size: st.Size(), max: max, now: time.Now}
	// A leftover file from a previous run may already be over the limit.
	if w.max > 0 && w.size > w.max {
		if err := w.rotate(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Write appends p and rotates synchronously when the ceiling is crossed.
// On return without error, Size() <= max.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, err
	}
	if w.max > 0 && w.size > w.max {
		if rerr := w.rotate(); rerr != nil {
			return n, rerr
		}
	}
	return n, nil
}

func (w *Writer) rotate() error {
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate log %s: %w", w.path, err)
	}
	w.size = 0
	metrics.IncRotation()
	marker := fmt.Sprintf("[%s] guarderd: log size exceeded, rotated\n", w.now().UTC().Format(time.RFC3339))
	if int64(len(marker)) < w.max {
		n, err := w.f.Write([]byte(marker))
		w.size += int64(n)
		if err != nil {
			return fmt.Errorf("write rotation marker: %w", err)
		}
	}
	return nil
}

// Size is the tracked size of the file.
func (w *Writer) Size() int64 { return w.size }

func (w *Writer) Path() string { return w.path }

func (w *Writer) Sync() error { return w.f.Sync() }

func (w *Writer) Close() error {
	serr := w.f.Sync()
	cerr := w.f.Close()
	if serr != nil {
		return serr
	}
	return cerr
}
