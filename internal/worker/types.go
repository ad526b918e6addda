package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

// Capturer takes one roster snapshot of a target.
type Capturer interface {
	Capture(ctx context.Context, target types.Target, settings types.Settings) (types.Snapshot, error)
}

// Task is one capture attempt, produced by a scheduler tick.
type Task struct {
	ID        string          // tick identifier, unique within a session
	SessionID string          // tracking session the tick belongs to
	Target    types.Target    // where to capture from
	Settings  types.Settings  // capture policy
	Timeout   time.Duration   // upper bound for the capture, 0 means none
	Ctx       context.Context // cancelled when the session stops; nil means Background
}

// Result is the outcome of a Task.
type Result struct {
	TaskID    string
	SessionID string
	Snapshot  types.Snapshot
	Err       error
	Duration  time.Duration
}

// Success reports whether the capture produced a snapshot.
func (r Result) Success() bool {
	return r.Err == nil
}
