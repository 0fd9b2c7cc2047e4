package lobby

import (
	"context"
	"sort"

	"github.com/storyvote/storyvote/internal/domain/session"
	"github.com/storyvote/storyvote/internal/domain/story"
)

// Stats counts what the lobby currently holds.
type Stats struct {
	Sessions     int `json:"sessions"`
	Participants int `json:"participants"`
	Connections  int `json:"connections"`
}

func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Sessions:     len(s.sessions),
		Participants: len(s.participants),
		Connections:  len(s.conns),
	}
}

// Stories lists the story library.
func (s *Service) Stories() []story.Summary {
	return s.library.List()
}

// ListSessions returns a snapshot of every live session, oldest first.
func (s *Service) ListSessions() []session.Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]session.Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.s.State() != session.StateEnded {
			out = append(out, e.s.Snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetSession returns the snapshot of a live session.
func (s *Service) GetSession(id string) (session.Snapshot, bool) {
	e := s.lookup(id)
	if e == nil {
		return session.Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State() == session.StateEnded {
		return session.Snapshot{}, false
	}
	return e.s.Snapshot(), true
}

// SessionHistory returns the history of a live session, or the archived
// history of an ended one. It returns nil when neither exists.
func (s *Service) SessionHistory(ctx context.Context, id string) (*session.Archive, error) {
	if e := s.lookup(id); e != nil {
		e.mu.Lock()
		archive := e.s.Archive()
		e.mu.Unlock()
		return archive, nil
	}
	if s.archive == nil {
		return nil, nil
	}
	return s.archive.GetHistory(ctx, id)
}
