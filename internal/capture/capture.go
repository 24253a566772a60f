// Package capture copies a supervised command's combined output into a
// size-bounded log file.
package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const readBufSize = 32 * 1024

// Capture owns one pipe for the supervisor's lifetime. Every child gets the
// write end as both stdout and stderr, so the kernel decides interleaving and
// a single goroutine is the only writer of the log file.
type Capture struct {
	r    *os.File
	w    *os.File
	out  *Writer
	log  *slog.Logger
	done chan struct{}

	closeOnce sync.Once
}

// Start opens the log file, creates the pipe and starts copying.
func Start(path string, maxBytes int64, log *slog.Logger) (*Capture, error) {
	if log == nil {
		log = slog.Default()
	}
	out, err := OpenWriter(path, maxBytes)
	if err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("create capture pipe: %w", err)
	}
	c := &Capture{r: r, w: w, out: out, log: log, done: make(chan struct{})}
	go c.copyLoop()
	return c, nil
}

// Stream is the write end handed to children as stdout and stderr.
func (c *Capture) Stream() *os.File { return c.w }

// Notef writes a timestamped supervisor notice into the captured log.
// Short writes to a pipe are atomic, so notices never split child lines mid-write.
func (c *Capture) Notef(format string, args ...any) {
	line := fmt.Sprintf("[%s] guarderd: %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	if _, err := c.w.WriteString(line); err != nil {
		c.log.Warn("write notice to capture pipe", "error", err)
	}
}

func (c *Capture) copyLoop() {
	defer close(c.done)
	buf := make([]byte, readBufSize)
	var failing bool
	for {
		n, err := c.r.Read(buf)
		if n > 0 {
			// Bytes are dropped on write failure so a broken log never
			// stalls the child on a full pipe.
			if _, werr := c.out.Write(buf[:n]); werr != nil {
				if !failing {
					c.log.Error("write captured output", "path", c.out.Path(), "error", werr)
				}
				failing = true
			} else if failing {
				c.log.Info("captured output writable again", "path", c.out.Path())
				failing = false
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.log.Error("read capture pipe", "error", err)
			}
			return
		}
	}
}

// Close stops accepting output and waits up to timeout for the reader to
// drain. Orphaned descendants of the child may still hold the write end, in
// which case the read end is closed forcibly after the timeout.
func (c *Capture) Close(timeout time.Duration) error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.w.Close()
		select {
		case <-c.done:
		case <-time.After(timeout):
			c.log.Warn("capture pipe still open after child exit, closing reader")
			_ = c.r.Close()
			<-c.done
		}
		_ = c.r.Close()
		err = c.out.Close()
	})
	return err
}
