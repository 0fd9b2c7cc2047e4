package participant

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

const maxDisplayNameLen = 32

// View is an immutable snapshot of a participant.
type View struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName"`
	SessionID      string    `json:"sessionId,omitempty"`
	IsHost         bool      `json:"isHost"`
	Connected      bool      `json:"connected"`
	CurrentVote    *int      `json:"currentVote,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Participant is one connected player. The record outlives its connection so
// that votes stay attributable after a disconnect.
type Participant struct {
	mu sync.RWMutex

	id             string
	displayName    string
	connID         string
	sessionID      string
	isHost         bool
	connected      bool
	currentVote    *int
	registeredAt   time.Time
	lastActivityAt time.Time
}

// New creates a connected participant bound to a transport connection.
func New(id, displayName, connID string, now time.Time) *Participant {
	return &Participant{
		id:             id,
		displayName:    displayName,
		connID:         connID,
		connected:      true,
		registeredAt:   now,
		lastActivityAt: now,
	}
}

func (p *Participant) ID() string {
	return p.id
}

func (p *Participant) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.displayName
}

func (p *Participant) ConnID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connID
}

func (p *Participant) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID
}

func (p *Participant) IsHost() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isHost
}

func (p *Participant) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Participant) LastActivityAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastActivityAt
}

// CurrentVote returns the choice index voted in the active round, if any.
func (p *Participant) CurrentVote() (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.currentVote == nil {
		return 0, false
	}
	return *p.currentVote, true
}

// CastVote records a vote. Range validation belongs to the session.
func (p *Participant) CastVote(choiceIndex int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := choiceIndex
	p.currentVote = &v
	p.lastActivityAt = now
}

func (p *Participant) ClearVote() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentVote = nil
}

// Touch records inbound activity.
func (p *Participant) Touch(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.After(p.lastActivityAt) {
		p.lastActivityAt = now
	}
}

// MarkDisconnected flags the transport as gone. Session membership is kept.
func (p *Participant) MarkDisconnected(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.connID = ""
	if now.After(p.lastActivityAt) {
		p.lastActivityAt = now
	}
}

// MarkReconnected binds the participant to a new transport connection.
func (p *Participant) MarkReconnected(connID string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	p.connID = connID
	p.lastActivityAt = now
}

// IsLive reports whether the participant was active within timeout.
func (p *Participant) IsLive(now time.Time, timeout time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return now.Sub(p.lastActivityAt) < timeout
}

func (p *Participant) Attach(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
}

// Detach drops the session back-reference along with any session-scoped role.
func (p *Participant) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = ""
	p.isHost = false
	p.currentVote = nil
}

func (p *Participant) SetHost(isHost bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isHost = isHost
}

func (p *Participant) View() View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v := View{
		ID:             p.id,
		DisplayName:    p.displayName,
		SessionID:      p.sessionID,
		IsHost:         p.isHost,
		Connected:      p.connected,
		LastActivityAt: p.lastActivityAt,
	}
	if p.currentVote != nil {
		vote := *p.currentVote
		v.CurrentVote = &vote
	}
	return v
}

// NormalizeDisplayName trims and collapses whitespace.
func NormalizeDisplayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

func ValidateDisplayName(name string) error {
	if name == "" {
		return errors.New("displayName is required")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLen {
		return errors.New("displayName must be at most 32 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.New("displayName must not contain control characters")
		}
	}
	return nil
}
