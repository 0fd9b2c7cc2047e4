package session

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . HistoryRepository

import (
	"context"
	"time"
)

// HistoryEntry is one resolved round, or the terminal marker appended when the
// session ends. Entries are never mutated after they are appended.
type HistoryEntry struct {
	Round       int       `json:"round,omitempty"`
	PageID      string    `json:"pageId,omitempty"`
	ChosenIndex int       `json:"chosenIndex"`
	ChoiceText  string    `json:"choiceText,omitempty"`
	Target      string    `json:"target,omitempty"`
	Tally       []int     `json:"tally,omitempty"`
	VotesCast   int       `json:"votesCast"`
	Random      bool      `json:"random"`
	Terminal    bool      `json:"terminal,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Archive is the audit record of an ended session.
type Archive struct {
	SessionID string         `json:"sessionId"`
	StoryID   string         `json:"storyId,omitempty"`
	EndReason string         `json:"endReason"`
	Entries   []HistoryEntry `json:"entries"`
	CreatedAt time.Time      `json:"createdAt"`
	EndedAt   time.Time      `json:"endedAt"`
}

// HistoryRepository stores archives of ended sessions. It is an audit log
// only; sessions are never restored from it.
type HistoryRepository interface {
	SaveHistory(ctx context.Context, archive *Archive) error
	GetHistory(ctx context.Context, sessionID string) (*Archive, error)
}
