package session

import (
	"time"

	"github.com/storyvote/storyvote/internal/domain/participant"
)

// Outbound event types.
const (
	EventPlayerJoined       = "player_joined"
	EventPlayerLeft         = "player_left"
	EventPlayerDisconnected = "player_disconnected"
	EventPlayerReconnected  = "player_reconnected"
	EventNewHost            = "new_host"
	EventStoryStarted       = "story_started"
	EventPageChanged        = "page_changed"
	EventVotingStarted      = "voting_started"
	EventVoteCast           = "vote_cast"
	EventVotingResolved     = "voting_resolved"
	EventVotingPaused       = "voting_paused"
	EventVotingResumed      = "voting_resumed"
	EventSessionEnded       = "session_ended"
	EventChatMessage        = "chat_message"
)

// Event is an outbound notification produced by a state transition.
// Recipients are resolved when the event is emitted.
type Event struct {
	Type string
	Data any
	To   []string
}

type ChoiceView struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type PlayerJoinedData struct {
	Participant       participant.View `json:"participant"`
	TotalParticipants int              `json:"totalParticipants"`
}

type PlayerLeftData struct {
	ParticipantID     string `json:"participantId"`
	DisplayName       string `json:"displayName"`
	Reason            string `json:"reason"`
	TotalParticipants int    `json:"totalParticipants"`
}

type PlayerConnectionData struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

type NewHostData struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

type StoryStartedData struct {
	StoryID string `json:"storyId"`
	Title   string `json:"title"`
}

type PageChangedData struct {
	PageID  string       `json:"pageId"`
	Text    string       `json:"text"`
	Choices []ChoiceView `json:"choices"`
}

type VotingStartedData struct {
	Round     int          `json:"round"`
	PageID    string       `json:"pageId"`
	Choices   []ChoiceView `json:"choices"`
	TimeoutMs int64        `json:"timeoutMs"`
}

type VoteCastData struct {
	ParticipantID     string `json:"participantId"`
	ChoiceIndex       int    `json:"choiceIndex"`
	VoteCount         int    `json:"voteCount"`
	TotalParticipants int    `json:"totalParticipants"`
}

type VotingResolvedData struct {
	Round       int    `json:"round"`
	PageID      string `json:"pageId"`
	ChosenIndex int    `json:"chosenIndex"`
	ChoiceText  string `json:"choiceText"`
	Tally       []int  `json:"tally"`
	Random      bool   `json:"random"`
}

type VotingPausedData struct {
	Round         int    `json:"round"`
	RemainingMs   int64  `json:"remainingMs"`
	ParticipantID string `json:"participantId,omitempty"`
}

type VotingResumedData struct {
	Round       int   `json:"round"`
	RemainingMs int64 `json:"remainingMs"`
}

type SessionEndedData struct {
	Reason  string         `json:"reason"`
	History []HistoryEntry `json:"history"`
}

type ChatMessageData struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	Message       string    `json:"message"`
	SentAt        time.Time `json:"sentAt"`
}
