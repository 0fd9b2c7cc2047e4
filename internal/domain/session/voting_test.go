package session

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyvote/storyvote/internal/domain/errs"
	"github.com/storyvote/storyvote/internal/domain/story"
)

func TestStartStory_EmitsStartPageAndOpensRound(t *testing.T) {
	h := newHarness(t, settings(2, 30*time.Second, 1, false), nil)
	h.join(t, "p1", "p2")

	events, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	assert.Equal(t, []string{EventStoryStarted, EventPageChanged, EventVotingStarted}, eventTypes(events))
	assert.Equal(t, StateVoting, h.s.State())
	assert.Equal(t, "gate", h.s.CurrentPageID())
	assert.Equal(t, "battle", h.s.StoryID())

	started := events[2].Data.(VotingStartedData)
	assert.Equal(t, 1, started.Round)
	assert.Equal(t, int64(30000), started.TimeoutMs)
	assert.Equal(t, []ChoiceView{{Index: 0, Text: "Fight"}, {Index: 1, Text: "Flee"}}, started.Choices)
	assert.ElementsMatch(t, []string{"p1", "p2"}, events[2].To)

	live := h.sched.live()
	require.Len(t, live, 1)
	assert.Equal(t, 30*time.Second, live[0].delay)
}

func TestStartStory_Errors(t *testing.T) {
	t.Run("non-host", func(t *testing.T) {
		h := newHarness(t, settings(2, time.Minute, 1, false), nil)
		h.join(t, "p1", "p2")

		_, err := h.s.StartStory("p2", battleStory())
		assert.True(t, errors.Is(err, errs.ErrForbidden))
		assert.Equal(t, StateWaiting, h.s.State())
	})

	t.Run("non-member", func(t *testing.T) {
		h := newHarness(t, settings(2, time.Minute, 1, false), nil)
		h.join(t, "p1")

		_, err := h.s.StartStory("ghost", battleStory())
		assert.True(t, errors.Is(err, errs.ErrValidation))
	})

	t.Run("already started", func(t *testing.T) {
		h := newHarness(t, settings(2, time.Minute, 1, false), nil)
		h.join(t, "p1")
		_, err := h.s.StartStory("p1", battleStory())
		require.NoError(t, err)

		_, err = h.s.StartStory("p1", battleStory())
		assert.True(t, errors.Is(err, errs.ErrInvalidState))
		assert.Len(t, h.sched.timers, 1)
	})

	t.Run("no story", func(t *testing.T) {
		h := newHarness(t, settings(2, time.Minute, 1, false), nil)
		h.join(t, "p1")

		_, err := h.s.StartStory("p1", nil)
		assert.True(t, errors.Is(err, errs.ErrValidation))
	})

	t.Run("missing start page", func(t *testing.T) {
		h := newHarness(t, settings(2, time.Minute, 1, false), nil)
		h.join(t, "p1")
		g := battleStory()
		g.Start = "nowhere"

		_, err := h.s.StartStory("p1", g)
		assert.True(t, errors.Is(err, errs.ErrValidation))
		assert.Equal(t, StateWaiting, h.s.State())
	})
}

func TestStartStory_TerminalStartPageEndsSession(t *testing.T) {
	h := newHarness(t, settings(2, time.Minute, 1, false), nil)
	ps := h.join(t, "p1")
	g := battleStory()
	g.Start = "road"

	events, err := h.s.StartStory("p1", g)
	require.NoError(t, err)

	assert.Equal(t, []string{EventStoryStarted, EventPageChanged, EventSessionEnded}, eventTypes(events))
	assert.Equal(t, StateEnded, h.s.State())
	assert.Equal(t, ReasonStoryComplete, h.s.EndReason())
	assert.Empty(t, h.sched.timers)
	assert.Empty(t, ps[0].SessionID())
	assert.Equal(t, []string{"p1"}, events[2].To)
}

func TestCastVote_Validation(t *testing.T) {
	h := newHarness(t, settings(3, time.Minute, 1, false), nil)
	ps := h.join(t, "p1", "p2", "p3")

	_, err := h.s.CastVote("p1", 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidState), "no round while waiting")

	_, err = h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	for _, idx := range []int{-1, 2, 99} {
		_, err = h.s.CastVote("p1", idx)
		assert.True(t, errors.Is(err, errs.ErrValidation), "index %d", idx)
	}
	assert.Empty(t, h.s.Votes())

	_, err = h.s.CastVote("ghost", 0)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	ps[2].MarkDisconnected(h.clock.Now())
	_, err = h.s.CastVote("p3", 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
	assert.Equal(t, StateVoting, h.s.State())
}

func TestCastVote_RevoteReplaces(t *testing.T) {
	h := newHarness(t, settings(2, time.Minute, 1, false), nil)
	ps := h.join(t, "p1", "p2")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	_, err = h.s.CastVote("p1", 0)
	require.NoError(t, err)
	events, err := h.s.CastVote("p1", 1)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"p1": 1}, h.s.Votes())
	v, ok := ps[0].CurrentVote()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	data := events[0].Data.(VoteCastData)
	assert.Equal(t, 1, data.VoteCount)
	assert.Equal(t, 2, data.TotalParticipants)
}

func TestCastVote_QuorumShortCircuitsTimer(t *testing.T) {
	h := newHarness(t, settings(3, time.Minute, 0.66, false), nil)
	h.join(t, "p1", "p2", "p3")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)
	first := h.sched.timers[0]

	events, err := h.s.CastVote("p1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{EventVoteCast}, eventTypes(events))

	events, err = h.s.CastVote("p2", 1)
	require.NoError(t, err)

	resolved, ok := findEvent(events, EventVotingResolved)
	require.True(t, ok)
	data := resolved.Data.(VotingResolvedData)
	assert.Equal(t, 1, data.ChosenIndex)
	assert.Equal(t, "Flee", data.ChoiceText)
	assert.Equal(t, []int{0, 2}, data.Tally)
	assert.False(t, data.Random)
	assert.True(t, first.cancelled)
	assert.Equal(t, StateEnded, h.s.State())
	assert.Equal(t, ReasonStoryComplete, h.s.EndReason())
}

func TestResolveVoting_IsIdempotentAgainstStaleTimer(t *testing.T) {
	h := newHarness(t, settings(2, time.Minute, 1, false), nil)
	h.join(t, "p1", "p2")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)
	first := h.sched.timers[0]

	_, err = h.s.CastVote("p1", 0)
	require.NoError(t, err)
	_, err = h.s.CastVote("p2", 0)
	require.NoError(t, err)
	require.Len(t, h.s.History(), 1)
	require.Equal(t, "arena", h.s.CurrentPageID())

	// The first round's timer lost the race and fires late.
	first.fire()

	assert.Empty(t, h.timeouts)
	assert.Len(t, h.s.History(), 1)
	assert.Equal(t, StateVoting, h.s.State())
	assert.Equal(t, "arena", h.s.CurrentPageID())
	assert.Len(t, h.sched.live(), 1)
}

func TestHandleTimeout_ZeroVotesStillAdvances(t *testing.T) {
	h := newHarness(t, settings(2, 500*time.Millisecond, 1, false), fixedRandom{n: 1})
	h.join(t, "p1", "p2")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	h.clock.Advance(500 * time.Millisecond)
	h.sched.timers[0].fire()

	assert.Equal(t, []string{EventVotingResolved, EventPageChanged, EventSessionEnded}, eventTypes(h.timeouts))
	data := h.timeouts[0].Data.(VotingResolvedData)
	assert.Equal(t, 1, data.ChosenIndex)
	assert.True(t, data.Random)
	assert.Equal(t, []int{0, 0}, data.Tally)

	hist := h.s.History()
	require.Len(t, hist, 2)
	assert.Equal(t, 0, hist[0].VotesCast)
	assert.Equal(t, "road", hist[0].Target)
	assert.True(t, hist[1].Terminal)
}

func TestHandleTimeout_UnknownRoundIsNoop(t *testing.T) {
	h := newHarness(t, settings(2, time.Minute, 1, false), nil)
	h.join(t, "p1")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	assert.Nil(t, h.s.HandleTimeout(7))
	assert.Equal(t, StateVoting, h.s.State())
	assert.Empty(t, h.s.History())
}

func TestPickWinner(t *testing.T) {
	t.Run("plurality", func(t *testing.T) {
		idx, random := pickWinner([]int{1, 3, 2}, 6, fixedRandom{})
		assert.Equal(t, 1, idx)
		assert.False(t, random)
	})

	t.Run("ties are uniform and never pick an untied index", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		tally := []int{2, 0, 2, 2}
		const trials = 3000
		counts := make([]int, len(tally))
		for i := 0; i < trials; i++ {
			idx, random := pickWinner(tally, 6, rng)
			require.True(t, random)
			counts[idx]++
		}
		assert.Zero(t, counts[1])
		for _, idx := range []int{0, 2, 3} {
			share := float64(counts[idx]) / trials
			assert.LessOrEqual(t, math.Abs(share-1.0/3), 0.05, "index %d share %.3f", idx, share)
		}
	})

	t.Run("no votes picks among all", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		seen := make(map[int]bool)
		for i := 0; i < 200; i++ {
			idx, random := pickWinner([]int{0, 0, 0}, 0, rng)
			require.True(t, random)
			require.GreaterOrEqual(t, idx, 0)
			require.Less(t, idx, 3)
			seen[idx] = true
		}
		assert.Len(t, seen, 3)
	})
}

func TestEvenSplitWinnerIsUniformAcrossSessions(t *testing.T) {
	rng := rand.New(rand.NewSource(2026))
	const trials = 1000
	wins := make([]int, 2)
	for i := 0; i < trials; i++ {
		h := newHarness(t, settings(2, time.Minute, 1, false), rng)
		h.join(t, "p1", "p2")
		_, err := h.s.StartStory("p1", battleStory())
		require.NoError(t, err)

		_, err = h.s.CastVote("p1", 0)
		require.NoError(t, err)
		events, err := h.s.CastVote("p2", 1)
		require.NoError(t, err)

		ev, ok := findEvent(events, EventVotingResolved)
		require.True(t, ok)
		data := ev.Data.(VotingResolvedData)
		require.True(t, data.Random)
		assert.Equal(t, []int{1, 1}, data.Tally)
		wins[data.ChosenIndex]++

		history := h.s.History()
		require.NotEmpty(t, history)
		assert.Equal(t, data.ChosenIndex, history[0].ChosenIndex)
	}
	for idx, n := range wins {
		share := float64(n) / trials
		assert.LessOrEqual(t, math.Abs(share-0.5), 0.05, "choice %d share %.3f", idx, share)
	}
}

func TestResumeWindow(t *testing.T) {
	assert.Equal(t, 30*time.Second, resumeWindow(30*time.Second, time.Minute))
	assert.Equal(t, MinResumeWindow, resumeWindow(time.Second, time.Minute))
	assert.Equal(t, MinResumeWindow, resumeWindow(-time.Second, time.Minute))
	assert.Equal(t, 2*time.Second, resumeWindow(time.Second, 2*time.Second))
}

func TestPauseOnDisconnect_KeepsRemainingTime(t *testing.T) {
	h := newHarness(t, settings(2, time.Minute, 1, true), nil)
	ps := h.join(t, "p1", "p2")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	_, err = h.s.CastVote("p2", 1)
	require.NoError(t, err)

	h.clock.Advance(20 * time.Second)
	ps[1].MarkDisconnected(h.clock.Now())
	events, err := h.s.ParticipantDisconnected("p2")
	require.NoError(t, err)

	assert.Equal(t, []string{EventPlayerDisconnected, EventVotingPaused}, eventTypes(events))
	assert.Equal(t, []string{"p1"}, events[0].To)
	paused := events[1].Data.(VotingPausedData)
	assert.Equal(t, int64(40000), paused.RemainingMs)
	assert.Equal(t, "p2", paused.ParticipantID)
	assert.Equal(t, StatePaused, h.s.State())
	assert.Empty(t, h.sched.live())
	assert.Empty(t, h.s.Votes(), "disconnected vote is withdrawn")

	_, err = h.s.CastVote("p1", 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	h.clock.Advance(10 * time.Minute)
	ps[1].MarkReconnected("conn-p2b", h.clock.Now())
	events, err = h.s.ParticipantReconnected("p2")
	require.NoError(t, err)

	assert.Equal(t, []string{EventPlayerReconnected, EventVotingResumed}, eventTypes(events))
	resumed := events[1].Data.(VotingResumedData)
	assert.Equal(t, int64(40000), resumed.RemainingMs)
	assert.Equal(t, StateVoting, h.s.State())
	assert.Equal(t, map[string]int{"p2": 1}, h.s.Votes(), "vote restored in the same round")

	live := h.sched.live()
	require.Len(t, live, 1)
	assert.Equal(t, 40*time.Second, live[0].delay)
}

func TestPauseOnDisconnect_FloorsRemainingTime(t *testing.T) {
	h := newHarness(t, settings(2, time.Minute, 1, true), nil)
	ps := h.join(t, "p1", "p2")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	h.clock.Advance(58 * time.Second)
	ps[1].MarkDisconnected(h.clock.Now())
	events, err := h.s.ParticipantDisconnected("p2")
	require.NoError(t, err)

	paused, ok := findEvent(events, EventVotingPaused)
	require.True(t, ok)
	assert.Equal(t, MinResumeWindow.Milliseconds(), paused.Data.(VotingPausedData).RemainingMs)
}

func TestPause_StaleTimerIsNoop(t *testing.T) {
	h := newHarness(t, settings(2, time.Minute, 1, true), nil)
	ps := h.join(t, "p1", "p2")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)
	first := h.sched.timers[0]

	ps[1].MarkDisconnected(h.clock.Now())
	_, err = h.s.ParticipantDisconnected("p2")
	require.NoError(t, err)

	first.fire()
	assert.Empty(t, h.timeouts)
	assert.Equal(t, StatePaused, h.s.State())
}

func TestDisconnectWithoutPause_RechecksQuorum(t *testing.T) {
	h := newHarness(t, settings(3, time.Minute, 1, false), nil)
	ps := h.join(t, "p1", "p2", "p3")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)
	_, err = h.s.CastVote("p1", 0)
	require.NoError(t, err)
	_, err = h.s.CastVote("p2", 0)
	require.NoError(t, err)

	ps[2].MarkDisconnected(h.clock.Now())
	events, err := h.s.ParticipantDisconnected("p3")
	require.NoError(t, err)

	assert.Equal(t, EventPlayerDisconnected, events[0].Type)
	_, resolved := findEvent(events, EventVotingResolved)
	assert.True(t, resolved)
	assert.Equal(t, "arena", h.s.CurrentPageID())
	assert.Equal(t, 3, h.s.Len(), "disconnected member stays attached")
}

func TestResumeVoting_HostOnly(t *testing.T) {
	h := newHarness(t, settings(3, time.Minute, 1, true), nil)
	ps := h.join(t, "p1", "p2", "p3")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	_, err = h.s.ResumeVoting("p1")
	assert.True(t, errors.Is(err, errs.ErrInvalidState), "not paused yet")

	ps[2].MarkDisconnected(h.clock.Now())
	_, err = h.s.ParticipantDisconnected("p3")
	require.NoError(t, err)
	require.Equal(t, StatePaused, h.s.State())

	_, err = h.s.ResumeVoting("p2")
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	events, err := h.s.ResumeVoting("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{EventVotingResumed}, eventTypes(events))
	assert.Equal(t, StateVoting, h.s.State())

	_, err = h.s.CastVote("p1", 0)
	require.NoError(t, err)
	events, err = h.s.CastVote("p2", 0)
	require.NoError(t, err)
	_, resolved := findEvent(events, EventVotingResolved)
	assert.True(t, resolved, "quorum counts connected members only")
}

func TestTerminate(t *testing.T) {
	h := newHarness(t, settings(2, time.Minute, 1, false), nil)
	ps := h.join(t, "p1", "p2")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	_, err = h.s.Terminate("p2", "")
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	events, err := h.s.Terminate("p1", "")
	require.NoError(t, err)
	require.Equal(t, []string{EventSessionEnded}, eventTypes(events))
	ended := events[0].Data.(SessionEndedData)
	assert.Equal(t, ReasonHostEnded, ended.Reason)
	assert.ElementsMatch(t, []string{"p1", "p2"}, events[0].To)
	assert.Equal(t, 0, h.s.Len())
	assert.Empty(t, h.sched.live())
	for _, p := range ps {
		assert.Empty(t, p.SessionID())
		assert.False(t, p.IsHost())
	}

	_, err = h.s.Terminate("p1", "")
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
	assert.Nil(t, h.s.End(ReasonShutdown))
}

func TestTwoPlayersAgree_ResolvesWithoutTimeout(t *testing.T) {
	h := newHarness(t, settings(2, 500*time.Millisecond, 1, false), nil)
	h.join(t, "p1", "p2")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)

	_, err = h.s.CastVote("p1", 0)
	require.NoError(t, err)
	events, err := h.s.CastVote("p2", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{EventVoteCast, EventVotingResolved, EventPageChanged, EventVotingStarted}, eventTypes(events))
	resolved := events[1].Data.(VotingResolvedData)
	assert.Equal(t, 0, resolved.ChosenIndex)
	assert.Equal(t, 1, resolved.Round)
	assert.Equal(t, 2, events[3].Data.(VotingStartedData).Round)
	assert.Empty(t, h.timeouts)
	assert.Equal(t, "arena", h.s.CurrentPageID())
}

func TestFlagsGateChoices(t *testing.T) {
	torchStory := func() *story.Graph {
		return &story.Graph{
			StoryID: "cave",
			Name:    "Cave",
			Start:   "mouth",
			Flags:   map[string]any{"torch": false},
			Pages: map[string]*story.Page{
				"mouth": {ID: "mouth", Text: "A dark cave.", Choices: []story.Choice{
					{Text: "Take the torch", Target: "hall", Set: map[string]any{"torch": true}},
					{Text: "Walk in", Target: "hall"},
				}},
				"hall": {ID: "hall", Text: "A hall.", Choices: []story.Choice{
					{Text: "Light the way", Target: "exit", Condition: "torch == true"},
					{Text: "Stumble", Target: "exit"},
				}},
				"exit": {ID: "exit", Text: "Daylight."},
			},
		}
	}

	cases := []struct {
		name    string
		vote    int
		choices []ChoiceView
		torch   bool
	}{
		{"with torch", 0, []ChoiceView{{Index: 0, Text: "Light the way"}, {Index: 1, Text: "Stumble"}}, true},
		{"without torch", 1, []ChoiceView{{Index: 0, Text: "Stumble"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, settings(1, time.Minute, 1, false), nil)
			h.join(t, "p1")
			_, err := h.s.StartStory("p1", torchStory())
			require.NoError(t, err)

			events, err := h.s.CastVote("p1", tc.vote)
			require.NoError(t, err)

			started, ok := findEvent(events, EventVotingStarted)
			require.True(t, ok)
			assert.Equal(t, tc.choices, started.Data.(VotingStartedData).Choices)
			assert.Equal(t, tc.torch, h.s.Flags()["torch"])
		})
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, settings(3, time.Minute, 1, false), nil)
	h.join(t, "p1", "p2")
	_, err := h.s.StartStory("p1", battleStory())
	require.NoError(t, err)
	_, err = h.s.CastVote("p2", 1)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)

	snap := h.s.Snapshot()
	assert.Equal(t, StateVoting, snap.State)
	assert.Equal(t, "p1", snap.HostID)
	require.Len(t, snap.Participants, 2)
	assert.Equal(t, "p1", snap.Participants[0].ID)
	require.NotNil(t, snap.Round)
	assert.Equal(t, 1, snap.Round.VoteCount)
	assert.Equal(t, int64(50000), snap.Round.RemainingMs)
	assert.Equal(t, int64(60000), snap.VotingTimeoutMs)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"state":"voting"`)
	assert.Contains(t, string(raw), `"currentPageId":"gate"`)
}
