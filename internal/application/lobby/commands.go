package lobby

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/storyvote/storyvote/internal/config"
	"github.com/storyvote/storyvote/internal/domain/errs"
	"github.com/storyvote/storyvote/internal/domain/participant"
	"github.com/storyvote/storyvote/internal/domain/session"
	"github.com/storyvote/storyvote/internal/protocol"
)

const (
	maxIDLength      = 64
	maxVotingTimeout = 24 * time.Hour
)

// Register binds connID to a participant. A known participant id whose
// transport dropped is reattached to its session; otherwise a new participant
// is created.
func (s *Service) Register(connID, participantID, displayName string) (*participant.Participant, error) {
	participantID = strings.TrimSpace(participantID)
	if len(participantID) > maxIDLength {
		return nil, errs.Validation("participantId must be at most %d bytes", maxIDLength)
	}
	name := participant.NormalizeDisplayName(displayName)
	now := s.now()

	s.mu.Lock()
	if bound, ok := s.conns[connID]; ok {
		s.mu.Unlock()
		return nil, errs.Conflict("connection is already registered as %s", bound)
	}
	if existing, ok := s.participants[participantID]; ok && participantID != "" {
		if existing.Connected() {
			s.mu.Unlock()
			return nil, errs.Conflict("participant %s is already connected", participantID)
		}
		s.mu.Unlock()
		if err := s.reattach(connID, existing, now); err != nil {
			return nil, err
		}
		return existing, nil
	}
	s.mu.Unlock()

	if err := participant.ValidateDisplayName(name); err != nil {
		return nil, err
	}
	if participantID == "" {
		participantID = uuid.NewString()
	}
	p := participant.New(participantID, name, connID, now)

	s.mu.Lock()
	if _, ok := s.participants[participantID]; ok {
		s.mu.Unlock()
		return nil, errs.Conflict("participant %s already exists", participantID)
	}
	s.participants[participantID] = p
	s.conns[connID] = participantID
	s.mu.Unlock()

	s.logger.Info().Str("participant_id", participantID).Str("conn_id", connID).Msg("participant registered")
	s.reply(participantID, protocol.TypeRegistrationSuccess, protocol.RegistrationSuccessData{Participant: p.View()})
	return p, nil
}

// reattach binds a disconnected participant to connID. For a session member
// the flip back to connected happens under the session lock together with
// the session's reaction to it.
func (s *Service) reattach(connID string, p *participant.Participant, now time.Time) error {
	if e := s.lockSessionOf(p); e != nil {
		defer e.mu.Unlock()
		return s.apply(e, func(e *entry) ([]session.Event, error) {
			if err := s.bind(connID, p, now); err != nil {
				return nil, err
			}
			events, err := e.s.ParticipantReconnected(p.ID())
			if err != nil {
				return nil, err
			}
			s.logger.Info().Str("participant_id", p.ID()).Str("conn_id", connID).Str("session_id", e.s.ID()).Msg("participant reconnected")
			snap := e.s.Snapshot()
			s.reply(p.ID(), protocol.TypeRegistrationSuccess, protocol.RegistrationSuccessData{
				Participant: p.View(),
				Reconnected: true,
				Session:     &snap,
			})
			return events, nil
		})
	}

	if err := s.bind(connID, p, now); err != nil {
		return err
	}
	// The session, if any, ended while the participant was away.
	if p.SessionID() != "" {
		p.Detach()
	}
	s.logger.Info().Str("participant_id", p.ID()).Str("conn_id", connID).Msg("participant reconnected")
	s.reply(p.ID(), protocol.TypeRegistrationSuccess, protocol.RegistrationSuccessData{Participant: p.View(), Reconnected: true})
	return nil
}

// bind marks p connected on connID and records the connection.
func (s *Service) bind(connID string, p *participant.Participant, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bound, ok := s.conns[connID]; ok {
		return errs.Conflict("connection is already registered as %s", bound)
	}
	if s.participants[p.ID()] != p {
		return errs.Validation("participant %s not found", p.ID())
	}
	if p.Connected() {
		return errs.Conflict("participant %s is already connected", p.ID())
	}
	p.MarkReconnected(connID, now)
	s.conns[connID] = p.ID()
	return nil
}

// CreateSession creates a session with the caller as host.
func (s *Service) CreateSession(participantID string, req protocol.CreateSessionData) (session.Snapshot, error) {
	p, err := s.member(participantID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if sid := p.SessionID(); sid != "" {
		return session.Snapshot{}, errs.Conflict("participant %s is already in session %s", participantID, sid)
	}
	settings, err := s.settingsFor(req.Settings)
	if err != nil {
		return session.Snapshot{}, err
	}
	storyID := strings.TrimSpace(req.StoryID)
	if storyID != "" {
		if _, err := s.library.Get(storyID); err != nil {
			return session.Snapshot{}, errs.Validation("story %s not found", storyID)
		}
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if len(sessionID) > maxIDLength {
		return session.Snapshot{}, errs.Validation("sessionId must be at most %d bytes", maxIDLength)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	e := &entry{storyID: storyID}
	sess, err := session.New(sessionID, settings, session.Options{
		Scheduler: s.scheduler,
		Random:    s.newRandom(),
		Now:       s.now,
		OnTimeout: func(round int) { s.onTimeout(e, round) },
	})
	if err != nil {
		return session.Snapshot{}, err
	}
	e.s = sess

	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		return session.Snapshot{}, errs.Conflict("session %s already exists", sessionID)
	}
	s.sessions[sessionID] = e
	s.mu.Unlock()

	events, err := sess.AddParticipant(p)
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return session.Snapshot{}, err
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("story_id", storyID).
		Msg("session created")
	snap := sess.Snapshot()
	s.reply(participantID, protocol.TypeSessionCreated, protocol.SessionData{Session: snap})
	s.deliver(events)
	return snap, nil
}

func (s *Service) settingsFor(req *protocol.SettingsData) (session.Settings, error) {
	settings := s.defaults
	if req != nil {
		if req.MaxParticipants != nil {
			settings.MaxParticipants = *req.MaxParticipants
		}
		if req.VotingTimeoutMs != nil {
			ms := *req.VotingTimeoutMs
			if ms <= 0 || ms > maxVotingTimeout.Milliseconds() {
				return session.Settings{}, errs.Validation("votingTimeoutMs must be in (0, %d]", maxVotingTimeout.Milliseconds())
			}
			settings.VotingTimeout = time.Duration(ms) * time.Millisecond
		}
		if req.AutoAdvanceThreshold != nil {
			settings.AutoAdvanceThreshold = *req.AutoAdvanceThreshold
		}
		if req.PauseOnDisconnect != nil {
			settings.PauseOnDisconnect = *req.PauseOnDisconnect
		}
	}
	if err := settings.Validate(); err != nil {
		return session.Settings{}, err
	}
	return settings, nil
}

// JoinSession attaches the caller to an existing session.
func (s *Service) JoinSession(participantID, sessionID string) (session.Snapshot, error) {
	p, err := s.member(participantID)
	if err != nil {
		return session.Snapshot{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return session.Snapshot{}, errs.Validation("sessionId is required")
	}
	if sid := p.SessionID(); sid != "" {
		return session.Snapshot{}, errs.Conflict("participant %s is already in session %s", participantID, sid)
	}

	var snap session.Snapshot
	err = s.withEntry(sessionID, func(e *entry) ([]session.Event, error) {
		events, err := e.s.AddParticipant(p)
		if err != nil {
			return nil, err
		}
		snap = e.s.Snapshot()
		s.reply(participantID, protocol.TypeSessionJoined, protocol.SessionData{Session: snap})
		return events, nil
	})
	if err != nil {
		return session.Snapshot{}, err
	}
	s.logger.Info().Str("session_id", sessionID).Str("participant_id", participantID).Msg("participant joined")
	return snap, nil
}

// LeaveSession detaches the caller from its session.
func (s *Service) LeaveSession(participantID string) error {
	return s.removeFromSession(participantID, session.LeaveReasonLeft)
}

func (s *Service) removeFromSession(participantID, reason string) error {
	p, err := s.member(participantID)
	if err != nil {
		return err
	}
	sid := p.SessionID()
	err = s.withSession(p, func(e *entry) ([]session.Event, error) {
		return e.s.RemoveParticipant(participantID, reason)
	})
	if err != nil {
		return err
	}
	s.reply(participantID, protocol.TypeLeftSession, protocol.LeftSessionData{SessionID: sid})
	s.logger.Info().
		Str("session_id", sid).
		Str("participant_id", participantID).
		Str("reason", reason).
		Msg("participant left")
	return nil
}

// StartStory starts storyID, or the story chosen at creation when storyID is
// empty.
func (s *Service) StartStory(participantID, storyID string) error {
	p, err := s.member(participantID)
	if err != nil {
		return err
	}
	return s.withSession(p, func(e *entry) ([]session.Event, error) {
		id := strings.TrimSpace(storyID)
		if id == "" {
			id = e.storyID
		}
		if id == "" {
			return nil, errs.Validation("storyId is required")
		}
		st, err := s.library.Get(id)
		if err != nil {
			return nil, errs.Validation("story %s not found", id)
		}
		events, err := e.s.StartStory(participantID, st)
		if err != nil {
			return nil, err
		}
		e.storyID = id
		s.logger.Info().Str("session_id", e.s.ID()).Str("story_id", id).Msg("story started")
		return events, nil
	})
}

func (s *Service) CastVote(participantID string, choiceIndex int) error {
	p, err := s.member(participantID)
	if err != nil {
		return err
	}
	return s.withSession(p, func(e *entry) ([]session.Event, error) {
		return e.s.CastVote(participantID, choiceIndex)
	})
}

func (s *Service) ResumeVoting(participantID string) error {
	p, err := s.member(participantID)
	if err != nil {
		return err
	}
	return s.withSession(p, func(e *entry) ([]session.Event, error) {
		return e.s.ResumeVoting(participantID)
	})
}

// EndSession terminates the caller's session. Only the host may do this.
func (s *Service) EndSession(participantID, reason string) error {
	p, err := s.member(participantID)
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxIDLength {
		return errs.Validation("reason must be at most %d bytes", maxIDLength)
	}
	return s.withSession(p, func(e *entry) ([]session.Event, error) {
		return e.s.Terminate(participantID, reason)
	})
}

func (s *Service) Chat(participantID, message string) error {
	if utf8.RuneCountInString(message) > config.MaxChatLength {
		return errs.Validation("message must be at most %d characters", config.MaxChatLength)
	}
	p, err := s.member(participantID)
	if err != nil {
		return err
	}
	return s.withSession(p, func(e *entry) ([]session.Event, error) {
		return e.s.Chat(participantID, message)
	})
}

// Heartbeat keeps the caller and its session alive.
func (s *Service) Heartbeat(participantID string) error {
	p, err := s.member(participantID)
	if err != nil {
		return err
	}
	p.Touch(s.now())
	if p.SessionID() == "" {
		return nil
	}
	return s.withSession(p, func(e *entry) ([]session.Event, error) {
		e.s.Touch()
		return nil, nil
	})
}

// ConnectionClosed marks the participant bound to connID as disconnected. It
// stays registered, and attached to its session, until it reconnects or the
// sweeper collects it.
func (s *Service) ConnectionClosed(connID string) {
	s.mu.Lock()
	pid, ok := s.conns[connID]
	delete(s.conns, connID)
	p := s.participants[pid]
	s.mu.Unlock()
	if !ok || p == nil || p.ConnID() != connID {
		return
	}

	now := s.now()
	err := s.withSession(p, func(e *entry) ([]session.Event, error) {
		p.MarkDisconnected(now)
		return e.s.ParticipantDisconnected(pid)
	})
	if err == nil {
		s.logger.Info().Str("participant_id", pid).Str("conn_id", connID).Msg("participant disconnected")
		return
	}

	p.MarkDisconnected(now)
	s.logger.Info().Str("participant_id", pid).Str("conn_id", connID).Msg("participant disconnected")
	// A join that raced the flip is serialized behind its session lock.
	if p.SessionID() != "" {
		err = s.withSession(p, func(e *entry) ([]session.Event, error) {
			return e.s.ParticipantDisconnected(pid)
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("participant_id", pid).Msg("failed to process disconnect")
		}
	}
}
