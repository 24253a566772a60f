package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
	dl     time.Time
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dl, _ = ctx.Deadline()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

func TestRecorderNilIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventSpawn})
	assert.NoError(t, r.Close())
	NewRecorder(nil, 0, nil).Record(context.Background(), Event{Type: EventSpawn})
}

func TestRecorderStampsAndBoundsSend(t *testing.T) {
	s := &memSink{}
	r := NewRecorder(s, 0, nil)
	r.Record(context.Background(), Event{Type: EventExit, Record: Record{ChildPID: 7, Exit: "exit status 1"}})

	require.Len(t, s.events, 1)
	assert.False(t, s.events[0].OccurredAt.IsZero())
	assert.Equal(t, 7, s.events[0].Record.ChildPID)
	assert.WithinDuration(t, time.Now().Add(DefaultSendTimeout), s.dl, time.Second)
}

func TestRecorderIgnoresCancelledParent(t *testing.T) {
	s := &memSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewRecorder(s, time.Second, nil).Record(ctx, Event{Type: EventStop})
	assert.Len(t, s.events, 1)
}

func TestRecorderSwallowsErrors(t *testing.T) {
	s := &memSink{err: errors.New("db down")}
	r := NewRecorder(s, time.Second, nil)
	assert.NotPanics(t, func() { r.Record(context.Background(), Event{Type: EventSpawn}) })
	require.NoError(t, r.Close())
	assert.True(t, s.closed)
}
