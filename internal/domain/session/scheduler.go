package session

import "time"

// TimerHandle cancels a scheduled callback.
type TimerHandle interface {
	// Cancel stops the callback. It reports false if the callback already ran
	// or was already cancelled.
	Cancel() bool
}

// Scheduler runs a callback once after a delay.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, fn func()) TimerHandle
}

// Random is the source used for tie-breaks and zero-vote rounds.
// *rand.Rand from math/rand satisfies it.
type Random interface {
	Intn(n int) int
}
