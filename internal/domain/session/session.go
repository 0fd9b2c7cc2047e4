package session

import (
	"math/rand"
	"strings"
	"time"

	"github.com/storyvote/storyvote/internal/domain/errs"
	"github.com/storyvote/storyvote/internal/domain/participant"
	"github.com/storyvote/storyvote/internal/domain/story"
)

// State is the session state machine position.
type State string

const (
	StateWaiting State = "waiting"
	StateStory   State = "story"
	StateVoting  State = "voting"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

// End reasons.
const (
	ReasonEmpty         = "empty"
	ReasonStoryComplete = "story_complete"
	ReasonHostEnded     = "host_ended"
	ReasonInactive      = "inactive"
	ReasonShutdown      = "shutdown"
	ReasonPageMissing   = "page_missing"
)

// MinResumeWindow is the least time a resumed round gets.
const MinResumeWindow = 5 * time.Second

// Settings are fixed at session creation.
type Settings struct {
	MaxParticipants      int           `json:"maxParticipants"`
	VotingTimeout        time.Duration `json:"-"`
	AutoAdvanceThreshold float64       `json:"autoAdvanceThreshold"`
	PauseOnDisconnect    bool          `json:"pauseOnDisconnect"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxParticipants:      8,
		VotingTimeout:        60 * time.Second,
		AutoAdvanceThreshold: 1.0,
		PauseOnDisconnect:    true,
	}
}

func (s Settings) Validate() error {
	if s.MaxParticipants < 1 {
		return errs.Validation("maxParticipants must be at least 1")
	}
	if s.VotingTimeout <= 0 {
		return errs.Validation("votingTimeoutMs must be positive")
	}
	if s.AutoAdvanceThreshold <= 0 || s.AutoAdvanceThreshold > 1 {
		return errs.Validation("autoAdvanceThreshold must be in (0, 1]")
	}
	return nil
}

// Options carries the collaborators injected into a session.
type Options struct {
	Scheduler Scheduler
	Random    Random
	Now       func() time.Time
	// OnTimeout is invoked by the scheduled round timer with the round number.
	// The owner must serialize it with every other call on the session and
	// forward it to HandleTimeout.
	OnTimeout func(round int)
}

// Session is one shared playthrough. It is not safe for concurrent use: the
// owner serializes every call, including timer callbacks.
type Session struct {
	id           string
	hostID       string
	participants map[string]*participant.Participant
	order        []string
	state        State
	settings     Settings

	story         story.Story
	currentPageID string
	flags         map[string]any

	round    *votingRound
	roundSeq int
	history  []HistoryEntry

	scheduler Scheduler
	rng       Random
	now       func() time.Time
	onTimeout func(round int)

	createdAt      time.Time
	lastActivityAt time.Time
	endReason      string
}

// New creates an empty session in the waiting state.
func New(id string, settings Settings, opts Options) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.Validation("session id is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	rng := opts.Random
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	created := now()
	return &Session{
		id:             id,
		participants:   make(map[string]*participant.Participant),
		state:          StateWaiting,
		settings:       settings,
		flags:          map[string]any{},
		scheduler:      opts.Scheduler,
		rng:            rng,
		now:            now,
		onTimeout:      opts.OnTimeout,
		createdAt:      created,
		lastActivityAt: created,
	}, nil
}

func (s *Session) ID() string                { return s.id }
func (s *Session) State() State              { return s.state }
func (s *Session) HostID() string            { return s.hostID }
func (s *Session) Settings() Settings        { return s.settings }
func (s *Session) CurrentPageID() string     { return s.currentPageID }
func (s *Session) Len() int                  { return len(s.participants) }
func (s *Session) CreatedAt() time.Time      { return s.createdAt }
func (s *Session) LastActivityAt() time.Time { return s.lastActivityAt }
func (s *Session) EndReason() string         { return s.endReason }

func (s *Session) StoryID() string {
	if s.story == nil {
		return ""
	}
	return s.story.ID()
}

// Has reports whether id is a member.
func (s *Session) Has(id string) bool {
	_, ok := s.participants[id]
	return ok
}

// ParticipantIDs returns member ids in join order.
func (s *Session) ParticipantIDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// ConnectedCount counts members whose transport is up.
func (s *Session) ConnectedCount() int {
	n := 0
	for _, p := range s.participants {
		if p.Connected() {
			n++
		}
	}
	return n
}

// Votes returns a copy of the open round's votes, or nil.
func (s *Session) Votes() map[string]int {
	if s.round == nil {
		return nil
	}
	out := make(map[string]int, len(s.round.votes))
	for k, v := range s.round.votes {
		out[k] = v
	}
	return out
}

// History returns a copy of the resolved-round log.
func (s *Session) History() []HistoryEntry {
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Flags returns a copy of the narrative flags.
func (s *Session) Flags() map[string]any {
	out := make(map[string]any, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastActivityAt = s.now()
}

// IsIdle reports whether nothing happened on the session within window.
func (s *Session) IsIdle(now time.Time, window time.Duration) bool {
	return now.Sub(s.lastActivityAt) >= window
}

// Archive builds the audit record for the session.
func (s *Session) Archive() *Archive {
	return &Archive{
		SessionID: s.id,
		StoryID:   s.StoryID(),
		EndReason: s.endReason,
		Entries:   s.History(),
		CreatedAt: s.createdAt,
		EndedAt:   s.lastActivityAt,
	}
}

// RoundView describes the open round.
type RoundView struct {
	Number      int          `json:"number"`
	PageID      string       `json:"pageId"`
	Choices     []ChoiceView `json:"choices"`
	VoteCount   int          `json:"voteCount"`
	RemainingMs int64        `json:"remainingMs"`
	Paused      bool         `json:"paused"`
}

// Snapshot is a point-in-time view of the session for clients.
type Snapshot struct {
	ID                   string             `json:"id"`
	HostID               string             `json:"hostId,omitempty"`
	State                State              `json:"state"`
	StoryID              string             `json:"storyId,omitempty"`
	CurrentPageID        string             `json:"currentPageId,omitempty"`
	Participants         []participant.View `json:"participants"`
	Round                *RoundView         `json:"round,omitempty"`
	MaxParticipants      int                `json:"maxParticipants"`
	VotingTimeoutMs      int64              `json:"votingTimeoutMs"`
	AutoAdvanceThreshold float64            `json:"autoAdvanceThreshold"`
	PauseOnDisconnect    bool               `json:"pauseOnDisconnect"`
	RoundsResolved       int                `json:"roundsResolved"`
	CreatedAt            time.Time          `json:"createdAt"`
	LastActivityAt       time.Time          `json:"lastActivityAt"`
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:                   s.id,
		HostID:               s.hostID,
		State:                s.state,
		StoryID:              s.StoryID(),
		CurrentPageID:        s.currentPageID,
		Participants:         make([]participant.View, 0, len(s.order)),
		MaxParticipants:      s.settings.MaxParticipants,
		VotingTimeoutMs:      s.settings.VotingTimeout.Milliseconds(),
		AutoAdvanceThreshold: s.settings.AutoAdvanceThreshold,
		PauseOnDisconnect:    s.settings.PauseOnDisconnect,
		CreatedAt:            s.createdAt,
		LastActivityAt:       s.lastActivityAt,
	}
	for _, id := range s.order {
		snap.Participants = append(snap.Participants, s.participants[id].View())
	}
	for _, h := range s.history {
		if !h.Terminal {
			snap.RoundsResolved++
		}
	}
	if r := s.round; r != nil {
		snap.Round = &RoundView{
			Number:      r.number,
			PageID:      r.pageID,
			Choices:     choiceViews(r.choices),
			VoteCount:   len(r.votes),
			RemainingMs: r.remainingAt(s.now()).Milliseconds(),
			Paused:      s.state == StatePaused,
		}
	}
	return snap
}

func (s *Session) connectedIDs(exclude string) []string {
	out := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if id == exclude {
			continue
		}
		if s.participants[id].Connected() {
			out = append(out, id)
		}
	}
	return out
}

func (s *Session) broadcast(typ string, data any) Event {
	return Event{Type: typ, Data: data, To: s.connectedIDs("")}
}

func (s *Session) broadcastExcept(exclude, typ string, data any) Event {
	return Event{Type: typ, Data: data, To: s.connectedIDs(exclude)}
}

func (s *Session) member(id string) (*participant.Participant, error) {
	p, ok := s.participants[id]
	if !ok {
		return nil, errs.Validation("participant %s is not in session %s", id, s.id)
	}
	return p, nil
}

func (s *Session) requireHost(actorID, action string) error {
	if _, err := s.member(actorID); err != nil {
		return err
	}
	if actorID != s.hostID {
		return errs.Forbidden("only the host can %s", action)
	}
	return nil
}
