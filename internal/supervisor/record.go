package supervisor

import "time"

// ChildRecord describes the current (or most recent) child. It is replaced,
// never mutated, on every change.
type ChildRecord struct {
	PID       int       `json:"pid"`
	SpawnedAt time.Time `json:"spawned_at,omitzero"`
	LastExit  string    `json:"last_exit,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Failures  int       `json:"failures"`
	Spawns    int       `json:"spawns"`
}

// Snapshot is an immutable view of the supervisor published after every
// transition. Readers on other goroutines only ever see whole snapshots.
type Snapshot struct {
	State       State       `json:"state"`
	Child       ChildRecord `json:"child"`
	DaemonPID   int         `json:"daemon_pid"`
	DaemonStart time.Time   `json:"daemon_start"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
