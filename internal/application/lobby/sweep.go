package lobby

import (
	"context"
	"time"

	"github.com/storyvote/storyvote/internal/domain/participant"
	"github.com/storyvote/storyvote/internal/domain/session"
)

// Sweep evicts participants inactive for the inactivity window, exactly as if
// they had left, and ends sessions idle for as long. It returns how many of
// each were collected.
func (s *Service) Sweep(now time.Time) (participants, sessions int) {
	s.mu.RLock()
	var stale []*participant.Participant
	for _, p := range s.participants {
		if !p.IsLive(now, s.window) {
			stale = append(stale, p)
		}
	}
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, p := range stale {
		if s.evict(p, now) {
			participants++
		}
	}
	for _, e := range entries {
		if s.endIfIdle(e, now) {
			sessions++
		}
	}
	return participants, sessions
}

func (s *Service) evict(p *participant.Participant, now time.Time) bool {
	if p.IsLive(now, s.window) {
		return false
	}
	if p.SessionID() != "" {
		if err := s.removeFromSession(p.ID(), session.LeaveReasonInactive); err != nil {
			s.logger.Debug().Err(err).Str("participant_id", p.ID()).Msg("inactive participant already detached")
		}
	}
	connID := p.ConnID()

	s.mu.Lock()
	if s.participants[p.ID()] == p {
		delete(s.participants, p.ID())
	}
	if connID != "" && s.conns[connID] == p.ID() {
		delete(s.conns, connID)
	}
	s.mu.Unlock()

	if connID != "" {
		s.notifier.Close(connID)
	}
	s.logger.Info().Str("participant_id", p.ID()).Msg("evicted inactive participant")
	return true
}

func (s *Service) endIfIdle(e *entry, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State() == session.StateEnded || !e.s.IsIdle(now, s.window) {
		return false
	}
	s.deliver(e.s.End(session.ReasonInactive))
	s.retire(e)
	return true
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p, n := s.Sweep(s.now()); p > 0 || n > 0 {
				s.logger.Info().Int("participants", p).Int("sessions", n).Msg("sweep collected inactive state")
			}
		}
	}
}
