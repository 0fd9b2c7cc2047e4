package session

import (
	"strings"

	"github.com/storyvote/storyvote/internal/domain/errs"
	"github.com/storyvote/storyvote/internal/domain/participant"
)

// Leave reasons reported in player_left.
const (
	LeaveReasonLeft     = "left"
	LeaveReasonInactive = "inactive"
)

// AddParticipant attaches p to the session. The first participant becomes
// the host.
func (s *Session) AddParticipant(p *participant.Participant) ([]Event, error) {
	if p == nil {
		return nil, errs.Validation("participant is required")
	}
	if s.state == StateEnded {
		return nil, errs.InvalidState("session %s has ended", s.id)
	}
	if _, ok := s.participants[p.ID()]; ok {
		return nil, errs.Conflict("participant %s already joined session %s", p.ID(), s.id)
	}
	if len(s.participants) >= s.settings.MaxParticipants {
		return nil, errs.Capacity("session %s is full (%d participants)", s.id, s.settings.MaxParticipants)
	}

	s.participants[p.ID()] = p
	s.order = append(s.order, p.ID())
	p.Attach(s.id)
	p.ClearVote()
	if s.hostID == "" {
		s.hostID = p.ID()
		p.SetHost(true)
	} else {
		p.SetHost(false)
	}
	s.Touch()

	return []Event{s.broadcastExcept(p.ID(), EventPlayerJoined, PlayerJoinedData{
		Participant:       p.View(),
		TotalParticipants: len(s.participants),
	})}, nil
}

// RemoveParticipant detaches a member. The host role moves to the earliest
// remaining joiner; an emptied session ends.
func (s *Session) RemoveParticipant(id, reason string) ([]Event, error) {
	p, err := s.member(id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = LeaveReasonLeft
	}

	wasHost := id == s.hostID
	delete(s.participants, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.round != nil {
		delete(s.round.votes, id)
	}
	name := p.DisplayName()
	p.Detach()
	s.Touch()

	if len(s.participants) == 0 {
		s.hostID = ""
		return s.End(ReasonEmpty), nil
	}

	events := []Event{s.broadcast(EventPlayerLeft, PlayerLeftData{
		ParticipantID:     id,
		DisplayName:       name,
		Reason:            reason,
		TotalParticipants: len(s.participants),
	})}
	if wasHost {
		events = append(events, s.migrateHost())
	}

	switch s.state {
	case StateVoting:
		events = append(events, s.resolveIfQuorum()...)
	case StatePaused:
		events = append(events, s.resumeIfReady()...)
	}
	return events, nil
}

func (s *Session) migrateHost() Event {
	next := s.participants[s.order[0]]
	s.hostID = next.ID()
	next.SetHost(true)
	return s.broadcast(EventNewHost, NewHostData{ParticipantID: next.ID(), DisplayName: next.DisplayName()})
}

// ParticipantDisconnected reacts to a member whose transport dropped. The
// caller marks the participant disconnected in the same serialized step. Any vote in the open round
// is withdrawn; with PauseOnDisconnect the round is paused.
func (s *Session) ParticipantDisconnected(id string) ([]Event, error) {
	p, err := s.member(id)
	if err != nil {
		return nil, err
	}
	if s.round != nil {
		delete(s.round.votes, id)
	}
	s.Touch()

	events := []Event{s.broadcastExcept(id, EventPlayerDisconnected, PlayerConnectionData{
		ParticipantID: id,
		DisplayName:   p.DisplayName(),
	})}
	if s.state == StateVoting {
		if s.settings.PauseOnDisconnect {
			events = append(events, s.pause(id)...)
		} else {
			events = append(events, s.resolveIfQuorum()...)
		}
	}
	return events, nil
}

// ParticipantReconnected reacts to a member whose transport came back. A vote
// cast earlier in the still-open round is restored, and a paused round
// resumes once nobody is missing.
func (s *Session) ParticipantReconnected(id string) ([]Event, error) {
	p, err := s.member(id)
	if err != nil {
		return nil, err
	}
	if s.round != nil {
		if v, ok := p.CurrentVote(); ok && v >= 0 && v < len(s.round.choices) {
			s.round.votes[id] = v
		}
	}
	s.Touch()

	events := []Event{s.broadcastExcept(id, EventPlayerReconnected, PlayerConnectionData{
		ParticipantID: id,
		DisplayName:   p.DisplayName(),
	})}
	switch s.state {
	case StatePaused:
		events = append(events, s.resumeIfReady()...)
	case StateVoting:
		events = append(events, s.resolveIfQuorum()...)
	}
	return events, nil
}

// Chat relays a message to every connected member.
func (s *Session) Chat(id, message string) ([]Event, error) {
	p, err := s.member(id)
	if err != nil {
		return nil, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, errs.Validation("message is required")
	}
	s.Touch()
	return []Event{s.broadcast(EventChatMessage, ChatMessageData{
		ParticipantID: id,
		DisplayName:   p.DisplayName(),
		Message:       message,
		SentAt:        s.now(),
	})}, nil
}
