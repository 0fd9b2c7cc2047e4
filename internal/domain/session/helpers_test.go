package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/storyvote/storyvote/internal/domain/participant"
	"github.com/storyvote/storyvote/internal/domain/story"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (t *fakeTimer) Cancel() bool {
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	return true
}

// fire runs the callback even if the timer was cancelled, simulating a timer
// that already fired and was waiting for the session lock.
func (t *fakeTimer) fire() {
	t.fired = true
	t.fn()
}

type fakeScheduler struct {
	timers []*fakeTimer
}

func (f *fakeScheduler) ScheduleOnce(delay time.Duration, fn func()) TimerHandle {
	t := &fakeTimer{delay: delay, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeScheduler) live() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range f.timers {
		if !t.cancelled && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

type fixedRandom struct{ n int }

func (r fixedRandom) Intn(n int) int { return r.n % n }

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	s        *Session
	sched    *fakeScheduler
	clock    *clock
	timeouts []Event
}

func newHarness(t *testing.T, settings Settings, rng Random) *harness {
	t.Helper()
	h := &harness{sched: &fakeScheduler{}, clock: &clock{t: base}}
	if rng == nil {
		rng = fixedRandom{}
	}
	s, err := New("s-1", settings, Options{
		Scheduler: h.sched,
		Random:    rng,
		Now:       h.clock.Now,
		OnTimeout: func(round int) {
			h.timeouts = append(h.timeouts, h.s.HandleTimeout(round)...)
		},
	})
	require.NoError(t, err)
	h.s = s
	return h
}

func (h *harness) join(t *testing.T, ids ...string) []*participant.Participant {
	t.Helper()
	out := make([]*participant.Participant, 0, len(ids))
	for _, id := range ids {
		p := participant.New(id, "name-"+id, "conn-"+id, h.clock.Now())
		_, err := h.s.AddParticipant(p)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func settings(max int, timeout time.Duration, threshold float64, pause bool) Settings {
	return Settings{
		MaxParticipants:      max,
		VotingTimeout:        timeout,
		AutoAdvanceThreshold: threshold,
		PauseOnDisconnect:    pause,
	}
}

// battleStory: gate -> [Fight -> arena, Flee -> road]; arena -> [Continue -> end];
// road and end are terminal.
func battleStory() *story.Graph {
	return &story.Graph{
		StoryID: "battle",
		Name:    "Battle",
		Start:   "gate",
		Pages: map[string]*story.Page{
			"gate": {ID: "gate", Text: "An orc blocks the gate.", Choices: []story.Choice{
				{Text: "Fight", Target: "arena"},
				{Text: "Flee", Target: "road"},
			}},
			"arena": {ID: "arena", Text: "Steel rings.", Choices: []story.Choice{
				{Text: "Continue", Target: "end"},
			}},
			"road": {ID: "road", Text: "You run home."},
			"end":  {ID: "end", Text: "Victory."},
		},
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func findEvent(events []Event, typ string) (Event, bool) {
	for _, e := range events {
		if e.Type == typ {
			return e, true
		}
	}
	return Event{}, false
}

func hostCount(s *Session) int {
	n := 0
	for _, id := range s.order {
		if s.participants[id].IsHost() {
			n++
		}
	}
	return n
}
