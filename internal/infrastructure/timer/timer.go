package timer

import (
	"time"

	"github.com/storyvote/storyvote/internal/domain/session"
)

// Scheduler runs callbacks on the runtime timer heap.
type Scheduler struct{}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (Scheduler) ScheduleOnce(delay time.Duration, fn func()) session.TimerHandle {
	return handle{t: time.AfterFunc(delay, fn)}
}

type handle struct {
	t *time.Timer
}

// Cancel stops the timer. It reports false when the callback already started.
func (h handle) Cancel() bool {
	return h.t.Stop()
}
