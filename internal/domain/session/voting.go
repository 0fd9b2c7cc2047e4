package session

import (
	"time"

	"github.com/storyvote/storyvote/internal/domain/errs"
	"github.com/storyvote/storyvote/internal/domain/participant"
	"github.com/storyvote/storyvote/internal/domain/story"
)

type votingRound struct {
	number    int
	pageID    string
	choices   []story.Choice
	votes     map[string]int
	startedAt time.Time
	deadline  time.Time
	timer     TimerHandle
	resolved  bool
	paused    bool
	remaining time.Duration
}

func (r *votingRound) remainingAt(now time.Time) time.Duration {
	if r.paused {
		return r.remaining
	}
	d := r.deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (r *votingRound) cancelTimer() {
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
}

// StartStory moves a waiting session onto the first page of st. Only the host
// may start the story.
func (s *Session) StartStory(actorID string, st story.Story) ([]Event, error) {
	if s.state != StateWaiting {
		return nil, errs.InvalidState("story can only be started while waiting, session is %s", s.state)
	}
	if err := s.requireHost(actorID, "start the story"); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errs.Validation("story is required")
	}
	if _, err := st.Page(st.StartPageID()); err != nil {
		return nil, errs.Validation("story %s has no start page", st.ID())
	}

	s.story = st
	s.flags = st.InitialFlags()
	if s.flags == nil {
		s.flags = map[string]any{}
	}
	s.state = StateStory
	s.Touch()

	events := []Event{s.broadcast(EventStoryStarted, StoryStartedData{StoryID: st.ID(), Title: st.Title()})}
	return append(events, s.enterPage(st.StartPageID())...), nil
}

// enterPage announces a page and derives the next state from its available
// choices: a round opens when there is at least one, otherwise the story is over.
func (s *Session) enterPage(pageID string) []Event {
	page, err := s.story.Page(pageID)
	if err != nil {
		return s.End(ReasonPageMissing)
	}
	s.currentPageID = page.ID
	if s.currentPageID == "" {
		s.currentPageID = pageID
	}
	s.state = StateStory

	choices := story.AvailableChoices(page, s.flags)
	events := []Event{s.broadcast(EventPageChanged, PageChangedData{
		PageID:  s.currentPageID,
		Text:    page.Text,
		Choices: choiceViews(choices),
	})}
	if len(choices) == 0 {
		return append(events, s.End(ReasonStoryComplete)...)
	}
	return append(events, s.beginRound(choices))
}

func (s *Session) beginRound(choices []story.Choice) Event {
	now := s.now()
	s.roundSeq++
	for _, p := range s.participants {
		p.ClearVote()
	}
	s.round = &votingRound{
		number:    s.roundSeq,
		pageID:    s.currentPageID,
		choices:   choices,
		votes:     make(map[string]int),
		startedAt: now,
		deadline:  now.Add(s.settings.VotingTimeout),
	}
	s.round.timer = s.schedule(s.settings.VotingTimeout, s.roundSeq)
	s.state = StateVoting

	return s.broadcast(EventVotingStarted, VotingStartedData{
		Round:     s.roundSeq,
		PageID:    s.currentPageID,
		Choices:   choiceViews(choices),
		TimeoutMs: s.settings.VotingTimeout.Milliseconds(),
	})
}

func (s *Session) schedule(delay time.Duration, round int) TimerHandle {
	if s.scheduler == nil {
		return nil
	}
	fire := s.onTimeout
	return s.scheduler.ScheduleOnce(delay, func() {
		if fire != nil {
			fire(round)
		}
	})
}

// CastVote records a vote in the open round and resolves it as soon as the
// quorum is reached. Re-voting replaces the previous vote.
func (s *Session) CastVote(participantID string, choiceIndex int) ([]Event, error) {
	p, err := s.member(participantID)
	if err != nil {
		return nil, err
	}
	if s.state != StateVoting || s.round == nil {
		return nil, errs.InvalidState("no open voting round, session is %s", s.state)
	}
	if !p.Connected() {
		return nil, errs.InvalidState("participant %s is disconnected", participantID)
	}
	if choiceIndex < 0 || choiceIndex >= len(s.round.choices) {
		return nil, errs.Validation("choiceIndex %d out of range [0, %d)", choiceIndex, len(s.round.choices))
	}

	now := s.now()
	p.CastVote(choiceIndex, now)
	s.round.votes[participantID] = choiceIndex
	s.lastActivityAt = now

	events := []Event{s.broadcast(EventVoteCast, VoteCastData{
		ParticipantID:     participantID,
		ChoiceIndex:       choiceIndex,
		VoteCount:         len(s.round.votes),
		TotalParticipants: s.ConnectedCount(),
	})}
	return append(events, s.resolveIfQuorum()...), nil
}

func (s *Session) quorumReached() bool {
	if s.round == nil {
		return false
	}
	connected := s.ConnectedCount()
	if connected == 0 || len(s.round.votes) == 0 {
		return false
	}
	return float64(len(s.round.votes))/float64(connected) >= s.settings.AutoAdvanceThreshold
}

func (s *Session) resolveIfQuorum() []Event {
	if s.state != StateVoting || !s.quorumReached() {
		return nil
	}
	return s.ResolveVoting()
}

// HandleTimeout resolves round number if it is still the open, running round.
// Timers that lost the race against quorum or a pause are no-ops.
func (s *Session) HandleTimeout(round int) []Event {
	if s.state != StateVoting || s.round == nil || s.round.number != round {
		return nil
	}
	return s.ResolveVoting()
}

// ResolveVoting closes the open round, picks the winner, records it in the
// history and advances the story. Calling it again for the same round is a
// no-op.
func (s *Session) ResolveVoting() []Event {
	r := s.round
	if r == nil || r.resolved {
		return nil
	}
	r.resolved = true
	r.cancelTimer()

	tally := make([]int, len(r.choices))
	for _, idx := range r.votes {
		tally[idx]++
	}
	chosen, random := pickWinner(tally, len(r.votes), s.rng)
	choice := r.choices[chosen]
	now := s.now()

	s.history = append(s.history, HistoryEntry{
		Round:       r.number,
		PageID:      r.pageID,
		ChosenIndex: chosen,
		ChoiceText:  choice.Text,
		Target:      choice.Target,
		Tally:       tally,
		VotesCast:   len(r.votes),
		Random:      random,
		At:          now,
	})
	for k, v := range choice.Set {
		s.flags[k] = v
	}
	s.round = nil
	s.state = StateStory
	s.lastActivityAt = now

	events := []Event{s.broadcast(EventVotingResolved, VotingResolvedData{
		Round:       r.number,
		PageID:      r.pageID,
		ChosenIndex: chosen,
		ChoiceText:  choice.Text,
		Tally:       tally,
		Random:      random,
	})}
	return append(events, s.enterPage(choice.Target)...)
}

// pickWinner returns the index with the most votes. Ties are broken uniformly
// among the tied indices; a round without votes picks uniformly among all.
func pickWinner(tally []int, votesCast int, rng Random) (int, bool) {
	if votesCast == 0 {
		return rng.Intn(len(tally)), true
	}
	best := -1
	var tied []int
	for i, n := range tally {
		switch {
		case n > best:
			best = n
			tied = append(tied[:0], i)
		case n == best:
			tied = append(tied, i)
		}
	}
	if len(tied) == 1 {
		return tied[0], false
	}
	return tied[rng.Intn(len(tied))], true
}

// pause freezes the open round and keeps what is left of its time.
func (s *Session) pause(triggeredBy string) []Event {
	r := s.round
	if s.state != StateVoting || r == nil {
		return nil
	}
	now := s.now()
	r.cancelTimer()
	r.remaining = resumeWindow(r.deadline.Sub(now), s.settings.VotingTimeout)
	r.paused = true
	s.state = StatePaused

	return []Event{s.broadcast(EventVotingPaused, VotingPausedData{
		Round:         r.number,
		RemainingMs:   r.remaining.Milliseconds(),
		ParticipantID: triggeredBy,
	})}
}

// resumeWindow floors the remaining time at MinResumeWindow, capped by the
// configured timeout.
func resumeWindow(remaining, timeout time.Duration) time.Duration {
	floor := MinResumeWindow
	if timeout < floor {
		floor = timeout
	}
	if remaining < floor {
		return floor
	}
	return remaining
}

// ResumeVoting reopens a paused round on behalf of the host.
func (s *Session) ResumeVoting(actorID string) ([]Event, error) {
	if err := s.requireHost(actorID, "resume voting"); err != nil {
		return nil, err
	}
	if s.state != StatePaused || s.round == nil {
		return nil, errs.InvalidState("voting is not paused, session is %s", s.state)
	}
	return s.resume(), nil
}

func (s *Session) resume() []Event {
	r := s.round
	if s.state != StatePaused || r == nil {
		return nil
	}
	now := s.now()
	r.paused = false
	r.deadline = now.Add(r.remaining)
	r.timer = s.schedule(r.remaining, r.number)
	s.state = StateVoting
	s.lastActivityAt = now

	events := []Event{s.broadcast(EventVotingResumed, VotingResumedData{
		Round:       r.number,
		RemainingMs: r.remaining.Milliseconds(),
	})}
	r.remaining = 0
	return append(events, s.resolveIfQuorum()...)
}

func (s *Session) hasDisconnected() bool {
	for _, p := range s.participants {
		if !p.Connected() {
			return true
		}
	}
	return false
}

func (s *Session) resumeIfReady() []Event {
	if s.state != StatePaused || s.hasDisconnected() {
		return nil
	}
	return s.resume()
}

// End terminates the session: the timer is released, every participant is
// detached and a terminal marker closes the history. Ending twice is a no-op.
func (s *Session) End(reason string) []Event {
	if s.state == StateEnded {
		return nil
	}
	recipients := s.connectedIDs("")
	if s.round != nil {
		s.round.cancelTimer()
		s.round = nil
	}
	now := s.now()
	s.history = append(s.history, HistoryEntry{
		PageID:      s.currentPageID,
		ChosenIndex: -1,
		Terminal:    true,
		Reason:      reason,
		At:          now,
	})
	for _, id := range s.order {
		s.participants[id].Detach()
	}
	s.participants = make(map[string]*participant.Participant)
	s.order = nil
	s.hostID = ""
	s.state = StateEnded
	s.endReason = reason
	s.lastActivityAt = now

	return []Event{{
		Type: EventSessionEnded,
		Data: SessionEndedData{Reason: reason, History: s.History()},
		To:   recipients,
	}}
}

// Terminate ends the session on behalf of the host.
func (s *Session) Terminate(actorID, reason string) ([]Event, error) {
	if s.state == StateEnded {
		return nil, errs.InvalidState("session %s has already ended", s.id)
	}
	if err := s.requireHost(actorID, "end the session"); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = ReasonHostEnded
	}
	return s.End(reason), nil
}

func choiceViews(choices []story.Choice) []ChoiceView {
	out := make([]ChoiceView, len(choices))
	for i, c := range choices {
		out[i] = ChoiceView{Index: i, Text: c.Text}
	}
	return out
}
