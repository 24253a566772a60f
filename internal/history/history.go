package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventSpawn EventType = "spawn"
	EventExit  EventType = "exit"
	EventStop  EventType = "stop"
)

// Record is the supervision snapshot attached to an event.
type Record struct {
	DaemonPID int       `json:"daemon_pid"`
	ChildPID  int       `json:"child_pid"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Spawns    int       `json:"spawns"`
	Exit      string    `json:"exit,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Event represents a supervision event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single Send issued by a Recorder.
const DefaultSendTimeout = 2 * time.Second

// Recorder sends events to an optional sink without ever failing the caller.
// A nil *Recorder or a Recorder without a sink is a no-op.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(s Sink, timeout time.Duration, log *slog.Logger) *Recorder {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: s, timeout: timeout, log: log}
}

// Record sends e with a bounded timeout. Errors are logged and dropped.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || r.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		r.log.Warn("history send failed", "type", e.Type, "error", err)
	}
}

// Close closes the sink if it holds resources.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ErrEmptyDSN is returned by sink constructors given a blank DSN.
var ErrEmptyDSN = errors.New("empty history DSN")
