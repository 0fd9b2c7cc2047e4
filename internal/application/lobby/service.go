// Package lobby is the session registry and message dispatcher. It resolves
// every inbound envelope to a participant and a session, applies it under the
// session lock and fans the resulting events out to the recipients'
// connections.
package lobby

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/storyvote/storyvote/internal/domain/errs"
	"github.com/storyvote/storyvote/internal/domain/participant"
	"github.com/storyvote/storyvote/internal/domain/session"
	"github.com/storyvote/storyvote/internal/domain/story"
	"github.com/storyvote/storyvote/internal/protocol"
)

const archiveTimeout = 10 * time.Second

// Notifier delivers envelopes to connections. Send must not block.
type Notifier interface {
	Send(connID string, env protocol.Envelope) bool
	Close(connID string)
}

// Options configures a Service.
type Options struct {
	Library   story.Library
	Scheduler session.Scheduler
	// Archive is optional. Without it ended sessions are simply dropped.
	Archive          session.HistoryRepository
	Defaults         session.Settings
	InactivityWindow time.Duration
	Now              func() time.Time
	NewRandom        func() session.Random
}

type entry struct {
	mu      sync.Mutex
	s       *session.Session
	storyID string
}

// Service owns every live participant and session of the process.
type Service struct {
	notifier  Notifier
	library   story.Library
	scheduler session.Scheduler
	archive   session.HistoryRepository
	defaults  session.Settings
	window    time.Duration
	now       func() time.Time
	newRandom func() session.Random
	logger    zerolog.Logger

	// mu guards the maps only. It may be taken while an entry lock is held,
	// never the other way round.
	mu           sync.RWMutex
	participants map[string]*participant.Participant
	sessions     map[string]*entry
	conns        map[string]string

	archiving sync.WaitGroup
}

// NewService creates a lobby.
func NewService(notifier Notifier, opts Options, logger zerolog.Logger) *Service {
	s := &Service{
		notifier:     notifier,
		library:      opts.Library,
		scheduler:    opts.Scheduler,
		archive:      opts.Archive,
		defaults:     opts.Defaults,
		window:       opts.InactivityWindow,
		now:          opts.Now,
		newRandom:    opts.NewRandom,
		logger:       logger.With().Str("service", "lobby").Logger(),
		participants: make(map[string]*participant.Participant),
		sessions:     make(map[string]*entry),
		conns:        make(map[string]string),
	}
	if s.library == nil {
		s.library = story.NewMemory()
	}
	if s.defaults == (session.Settings{}) {
		s.defaults = session.DefaultSettings()
	}
	if s.window <= 0 {
		s.window = 5 * time.Minute
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newRandom == nil {
		s.newRandom = seededRandom
	}
	return s
}

// seededRandom returns a generator seeded from crypto/rand. Each session gets
// its own and only uses it under the session lock.
func seededRandom() session.Random {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(b[:]))))
}

// HandleEnvelope processes one inbound frame from connID. Request errors are
// reported to that connection only.
func (s *Service) HandleEnvelope(ctx context.Context, connID string, env protocol.Envelope) {
	if err := s.route(ctx, connID, env); err != nil {
		s.replyError(connID, err)
	}
}

func (s *Service) route(_ context.Context, connID string, env protocol.Envelope) error {
	if env.Type == protocol.TypeRegister {
		var data protocol.RegisterData
		if err := env.Decode(&data); err != nil {
			return errs.Validation("invalid %s payload: %v", env.Type, err)
		}
		_, err := s.Register(connID, data.ParticipantID, data.DisplayName)
		return err
	}

	pid, ok := s.participantForConn(connID)
	if !ok {
		return errs.Validation("connection is not registered")
	}
	if p := s.participant(pid); p != nil {
		p.Touch(s.now())
	}

	switch env.Type {
	case protocol.TypeCreateSession:
		var data protocol.CreateSessionData
		if err := env.Decode(&data); err != nil {
			return errs.Validation("invalid %s payload: %v", env.Type, err)
		}
		_, err := s.CreateSession(pid, data)
		return err
	case protocol.TypeJoinSession:
		var data protocol.JoinSessionData
		if err := env.Decode(&data); err != nil {
			return errs.Validation("invalid %s payload: %v", env.Type, err)
		}
		_, err := s.JoinSession(pid, data.SessionID)
		return err
	case protocol.TypeLeaveSession:
		return s.LeaveSession(pid)
	case protocol.TypeStartStory:
		var data protocol.StartStoryData
		if err := env.Decode(&data); err != nil {
			return errs.Validation("invalid %s payload: %v", env.Type, err)
		}
		return s.StartStory(pid, data.StoryID)
	case protocol.TypeCastVote:
		var data protocol.CastVoteData
		if err := env.Decode(&data); err != nil {
			return errs.Validation("invalid %s payload: %v", env.Type, err)
		}
		if data.ChoiceIndex == nil {
			return errs.Validation("choiceIndex is required")
		}
		return s.CastVote(pid, *data.ChoiceIndex)
	case protocol.TypeChatMessage:
		var data protocol.ChatMessageData
		if err := env.Decode(&data); err != nil {
			return errs.Validation("invalid %s payload: %v", env.Type, err)
		}
		return s.Chat(pid, data.Message)
	case protocol.TypeResumeVoting:
		return s.ResumeVoting(pid)
	case protocol.TypeEndSession:
		var data protocol.EndSessionData
		if err := env.Decode(&data); err != nil {
			return errs.Validation("invalid %s payload: %v", env.Type, err)
		}
		return s.EndSession(pid, data.Reason)
	case protocol.TypeHeartbeat:
		return s.Heartbeat(pid)
	default:
		return errs.Validation("unknown message type %q", env.Type)
	}
}

func (s *Service) participantForConn(connID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.conns[connID]
	return pid, ok
}

func (s *Service) participant(id string) *participant.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participants[id]
}

func (s *Service) lookup(sessionID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// withSession runs fn under the lock of p's session.
func (s *Service) withSession(p *participant.Participant, fn func(e *entry) ([]session.Event, error)) error {
	e := s.lockSessionOf(p)
	if e == nil {
		return errs.InvalidState("participant %s is not in a session", p.ID())
	}
	defer e.mu.Unlock()
	return s.apply(e, fn)
}

// lockSessionOf locks the live session p is a member of and returns it, or
// returns nil when p is not attached to one. Membership is checked again
// under the lock since p may move while it is being acquired.
func (s *Service) lockSessionOf(p *participant.Participant) *entry {
	for {
		sid := p.SessionID()
		if sid == "" {
			return nil
		}
		e := s.lookup(sid)
		if e == nil {
			return nil
		}
		e.mu.Lock()
		if e.s.State() != session.StateEnded && e.s.Has(p.ID()) {
			return e
		}
		e.mu.Unlock()
		if p.SessionID() == sid {
			return nil
		}
	}
}

// withEntry locks the session, runs fn, delivers the events it returns and
// retires the session if fn ended it.
func (s *Service) withEntry(sessionID string, fn func(e *entry) ([]session.Event, error)) error {
	e := s.lookup(sessionID)
	if e == nil {
		return errs.Validation("session %s not found", sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State() == session.StateEnded {
		return errs.Validation("session %s not found", sessionID)
	}
	return s.apply(e, fn)
}

// apply runs fn on a locked entry.
func (s *Service) apply(e *entry, fn func(e *entry) ([]session.Event, error)) error {
	events, err := fn(e)
	if err != nil {
		return err
	}
	s.deliver(events)
	if e.s.State() == session.StateEnded {
		s.retire(e)
	}
	return nil
}

func (s *Service) member(participantID string) (*participant.Participant, error) {
	p := s.participant(participantID)
	if p == nil {
		return nil, errs.Validation("participant %s not found", participantID)
	}
	return p, nil
}

// deliver fans events out to the current connection of every recipient.
// Recipients without a connection are skipped.
func (s *Service) deliver(events []session.Event) {
	for _, ev := range events {
		env, err := protocol.Encode(ev.Type, ev.Data)
		if err != nil {
			s.logger.Error().Err(err).Str("event", ev.Type).Msg("failed to encode event")
			continue
		}
		for _, pid := range ev.To {
			s.sendTo(pid, env)
		}
	}
}

func (s *Service) sendTo(participantID string, env protocol.Envelope) {
	p := s.participant(participantID)
	if p == nil {
		return
	}
	connID := p.ConnID()
	if connID == "" {
		return
	}
	if !s.notifier.Send(connID, env) {
		s.logger.Debug().
			Str("participant_id", participantID).
			Str("conn_id", connID).
			Str("type", env.Type).
			Msg("dropped outbound message")
	}
}

func (s *Service) reply(participantID, typ string, data any) {
	env, err := protocol.Encode(typ, data)
	if err != nil {
		s.logger.Error().Err(err).Str("type", typ).Msg("failed to encode reply")
		return
	}
	s.sendTo(participantID, env)
}

func (s *Service) replyError(connID string, err error) {
	kind := errs.KindOf(err)
	msg := err.Error()
	if kind == errs.KindInternal {
		s.logger.Error().Err(err).Str("conn_id", connID).Msg("request failed")
		msg = "internal error"
	}
	env, encErr := protocol.Encode(protocol.TypeError, protocol.ErrorData{Code: string(kind), Message: msg})
	if encErr != nil {
		return
	}
	s.notifier.Send(connID, env)
}

// retire removes an ended session from the registry and archives its history
// in the background. The caller holds the entry lock.
func (s *Service) retire(e *entry) {
	id := e.s.ID()
	s.mu.Lock()
	if s.sessions[id] == e {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("session_id", id).
		Str("reason", e.s.EndReason()).
		Int("rounds", e.s.Snapshot().RoundsResolved).
		Msg("session ended")

	if s.archive == nil {
		return
	}
	archive := e.s.Archive()
	s.archiving.Add(1)
	go func() {
		defer s.archiving.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.archive.SaveHistory(ctx, archive); err != nil {
			s.logger.Error().Err(err).Str("session_id", archive.SessionID).Msg("failed to archive session history")
		}
	}()
}

// onTimeout is the round timer callback of the session held by e.
func (s *Service) onTimeout(e *entry, round int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	events := e.s.HandleTimeout(round)
	if len(events) == 0 {
		return
	}
	s.logger.Debug().Str("session_id", e.s.ID()).Int("round", round).Msg("voting round timed out")
	s.deliver(events)
	if e.s.State() == session.StateEnded {
		s.retire(e)
	}
}

// Shutdown ends every live session and waits for pending archive writes.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if events := e.s.End(session.ReasonShutdown); len(events) > 0 {
			s.deliver(events)
			s.retire(e)
		}
		e.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		s.archiving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
