package farming

import (
	"time"

	"github.com/ChuLiYu/cardfarm/internal/executor"
	"github.com/ChuLiYu/cardfarm/pkg/types"
)

// Event is one unit of progress. Sessions emit one per step; the orchestrator
// folds them into a rate-limited summary feed.
type Event struct {
	Display string
	Info    string
	Status  string
	Level   types.Level
	Action  types.Action

	// Error is the human readable message of a recoverable failure, Cause the
	// underlying error. Both are empty for informational events.
	Error string
	Cause error

	// Remaining and Progress decorate events emitted while waiting.
	Remaining time.Duration
	Progress  float64

	// Executor is set on ActionCheck events.
	Executor executor.Executor
	// Running lists the targets with a live helper; set on summary events.
	Running []types.TargetID
}

// IsError reports whether the event describes a failure.
func (e Event) IsError() bool {
	return e.Error != "" || e.Level == types.LevelError
}
