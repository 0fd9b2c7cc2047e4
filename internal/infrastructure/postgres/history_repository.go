package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storyvote/storyvote/internal/domain/session"
)

// HistoryRepository implements session.HistoryRepository.
type HistoryRepository struct {
	pool *pgxpool.Pool
}

func NewHistoryRepository(pool *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{pool: pool}
}

// SaveHistory stores the archive of an ended session. Saving the same session
// twice keeps the latest archive.
func (r *HistoryRepository) SaveHistory(ctx context.Context, archive *session.Archive) error {
	entries, err := encodeEntries(archive.Entries)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO session_histories
		(session_id, story_id, end_reason, entries, rounds, created_at, ended_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id) DO UPDATE
		SET story_id=EXCLUDED.story_id, end_reason=EXCLUDED.end_reason, entries=EXCLUDED.entries,
			rounds=EXCLUDED.rounds, ended_at=EXCLUDED.ended_at
	`, archive.SessionID, archive.StoryID, archive.EndReason, entries, countRounds(archive.Entries), archive.CreatedAt, archive.EndedAt)
	return err
}

// GetHistory returns nil without error when no archive exists.
func (r *HistoryRepository) GetHistory(ctx context.Context, sessionID string) (*session.Archive, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT session_id, story_id, end_reason, entries, created_at, ended_at
		FROM session_histories
		WHERE session_id=$1
	`, sessionID)
	return scanArchive(row)
}

func scanArchive(row pgx.Row) (*session.Archive, error) {
	var a session.Archive
	var entries []byte
	if err := row.Scan(&a.SessionID, &a.StoryID, &a.EndReason, &entries, &a.CreatedAt, &a.EndedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	decoded, err := decodeEntries(entries)
	if err != nil {
		return nil, err
	}
	a.Entries = decoded
	return &a, nil
}

func encodeEntries(entries []session.HistoryEntry) ([]byte, error) {
	if entries == nil {
		entries = []session.HistoryEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode history entries: %w", err)
	}
	return data, nil
}

func decodeEntries(data []byte) ([]session.HistoryEntry, error) {
	entries := []session.HistoryEntry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode history entries: %w", err)
	}
	return entries, nil
}

func countRounds(entries []session.HistoryEntry) int {
	n := 0
	for _, e := range entries {
		if !e.Terminal {
			n++
		}
	}
	return n
}
