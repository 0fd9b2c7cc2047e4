package lobby

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/storyvote/storyvote/internal/domain/session"
	"github.com/storyvote/storyvote/internal/domain/story"
	"github.com/storyvote/storyvote/internal/protocol"
)

var epoch = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	sent   map[string][]protocol.Envelope
	closed []string
}

func newRecorder() *recorder {
	return &recorder{sent: make(map[string][]protocol.Envelope)}
}

func (r *recorder) Send(connID string, env protocol.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[connID] = append(r.sent[connID], env)
	return true
}

func (r *recorder) Close(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, connID)
}

func (r *recorder) types(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent[connID]))
	for _, env := range r.sent[connID] {
		out = append(out, env.Type)
	}
	return out
}

// last returns the most recent envelope of type typ sent to connID.
func (r *recorder) last(connID, typ string) (protocol.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	envs := r.sent[connID]
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == typ {
			return envs[i], true
		}
	}
	return protocol.Envelope{}, false
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = make(map[string][]protocol.Envelope)
	r.closed = nil
}

type manualTimer struct {
	fn        func()
	delay     time.Duration
	cancelled bool
}

func (t *manualTimer) Cancel() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualScheduler) ScheduleOnce(delay time.Duration, fn func()) session.TimerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{fn: fn, delay: delay}
	m.timers = append(m.timers, t)
	return t
}

// fireLatest runs the newest live timer.
func (m *manualScheduler) fireLatest(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	var live *manualTimer
	for i := len(m.timers) - 1; i >= 0; i-- {
		if !m.timers[i].cancelled {
			live = m.timers[i]
			break
		}
	}
	m.mu.Unlock()
	require.NotNil(t, live, "no live timer")
	live.cancelled = true
	live.fn()
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *Service
	out   *recorder
	sched *manualScheduler
	clock *testClock
}

func newFixture(t *testing.T, archive session.HistoryRepository) *fixture {
	t.Helper()
	f := &fixture{out: newRecorder(), sched: &manualScheduler{}, clock: &testClock{t: epoch}}
	f.svc = NewService(f.out, Options{
		Library:          story.NewMemory(battleStory()),
		Scheduler:        f.sched,
		Archive:          archive,
		Defaults:         session.Settings{MaxParticipants: 3, VotingTimeout: time.Minute, AutoAdvanceThreshold: 1, PauseOnDisconnect: true},
		InactivityWindow: 5 * time.Minute,
		Now:              f.clock.Now,
		NewRandom:        func() session.Random { return zeroRandom{} },
	}, zerolog.Nop())
	return f
}

type zeroRandom struct{}

func (zeroRandom) Intn(int) int { return 0 }

func (f *fixture) send(t *testing.T, connID, typ string, data any) {
	t.Helper()
	env, err := protocol.Encode(typ, data)
	require.NoError(t, err)
	f.svc.HandleEnvelope(context.Background(), connID, env)
}

// register registers a participant on connID and returns its id.
func (f *fixture) register(t *testing.T, connID, name string) string {
	t.Helper()
	f.send(t, connID, protocol.TypeRegister, protocol.RegisterData{DisplayName: name})
	env, ok := f.out.last(connID, protocol.TypeRegistrationSuccess)
	require.True(t, ok, "no registration_success on %s: %v", connID, f.out.types(connID))
	return decode[protocol.RegistrationSuccessData](t, env).Participant.ID
}

// lobbyOf registers a host on c1 with a session "s-1" and joins the other
// connections to it.
func (f *fixture) lobbyOf(t *testing.T, settings *protocol.SettingsData, conns ...string) []string {
	t.Helper()
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = f.register(t, c, "player-"+c)
	}
	f.send(t, conns[0], protocol.TypeCreateSession, protocol.CreateSessionData{SessionID: "s-1", StoryID: "battle", Settings: settings})
	_, ok := f.out.last(conns[0], protocol.TypeSessionCreated)
	require.True(t, ok, "session not created: %v", f.out.types(conns[0]))
	for _, c := range conns[1:] {
		f.send(t, c, protocol.TypeJoinSession, protocol.JoinSessionData{SessionID: "s-1"})
		_, ok := f.out.last(c, protocol.TypeSessionJoined)
		require.True(t, ok, "join failed: %v", f.out.types(c))
	}
	return ids
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func errorCode(t *testing.T, out *recorder, connID string) string {
	t.Helper()
	env, ok := out.last(connID, protocol.TypeError)
	require.True(t, ok, "no error sent to %s: %v", connID, out.types(connID))
	return decode[protocol.ErrorData](t, env).Code
}

func intPtr(v int) *int           { return &v }
func int64Ptr(v int64) *int64     { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

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
