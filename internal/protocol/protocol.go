// Package protocol defines the JSON envelopes exchanged over the websocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/storyvote/storyvote/internal/domain/participant"
	"github.com/storyvote/storyvote/internal/domain/session"
)

// Inbound message types.
const (
	TypeRegister      = "register"
	TypeCreateSession = "create_session"
	TypeJoinSession   = "join_session"
	TypeLeaveSession  = "leave_session"
	TypeStartStory    = "start_story"
	TypeCastVote      = "cast_vote"
	TypeChatMessage   = "chat_message"
	TypeResumeVoting  = "resume_voting"
	TypeEndSession    = "end_session"
	TypeHeartbeat     = "heartbeat"
)

// Outbound message types that are not session events.
const (
	TypeRegistrationSuccess = "registration_success"
	TypeSessionCreated      = "session_created"
	TypeSessionJoined       = "session_joined"
	TypeLeftSession         = "left_session"
	TypeError               = "error"
)

// Error codes that do not come from a request error kind.
const (
	CodeBadRequest  = "bad_request"
	CodeRateLimited = "rate_limited"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps data in an envelope of the given type.
func Encode(typ string, data any) (Envelope, error) {
	env := Envelope{Type: typ}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v. Unknown fields are rejected.
// An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.Data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Parse decodes a raw frame.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("message type is required")
	}
	return env, nil
}

type RegisterData struct {
	ParticipantID string `json:"participantId,omitempty"`
	DisplayName   string `json:"displayName"`
}

// SettingsData overrides the server defaults for a new session. Absent fields
// keep the default.
type SettingsData struct {
	MaxParticipants      *int     `json:"maxParticipants,omitempty"`
	VotingTimeoutMs      *int64   `json:"votingTimeoutMs,omitempty"`
	AutoAdvanceThreshold *float64 `json:"autoAdvanceThreshold,omitempty"`
	PauseOnDisconnect    *bool    `json:"pauseOnDisconnect,omitempty"`
}

type CreateSessionData struct {
	SessionID string        `json:"sessionId,omitempty"`
	StoryID   string        `json:"storyId,omitempty"`
	Settings  *SettingsData `json:"settings,omitempty"`
}

type JoinSessionData struct {
	SessionID string `json:"sessionId"`
}

type StartStoryData struct {
	StoryID string `json:"storyId,omitempty"`
}

type CastVoteData struct {
	ChoiceIndex *int `json:"choiceIndex"`
}

type ChatMessageData struct {
	Message string `json:"message"`
}

type EndSessionData struct {
	Reason string `json:"reason,omitempty"`
}

type RegistrationSuccessData struct {
	Participant participant.View  `json:"participant"`
	Reconnected bool              `json:"reconnected"`
	Session     *session.Snapshot `json:"session,omitempty"`
}

type SessionData struct {
	Session session.Snapshot `json:"session"`
}

type LeftSessionData struct {
	SessionID string `json:"sessionId"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
