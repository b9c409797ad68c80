package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/okian/blindslot/internal/domain/protocol"
)

const decisionSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	participant_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	meeting_type TEXT NOT NULL,
	conflicting_type TEXT NOT NULL DEFAULT '',
	recommended_action TEXT NOT NULL,
	user_action TEXT NOT NULL,
	recommended_slot TEXT NOT NULL DEFAULT '',
	chosen_slot TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_decisions_participant ON decisions(participant_id, ts DESC, seq DESC);
`

// SQLiteDecisionStore implements DecisionStore on a SQLite file.
type SQLiteDecisionStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteDecisionStore opens or creates the database at path.
func NewSQLiteDecisionStore(ctx context.Context, path string) (*SQLiteDecisionStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps SQLite free of busy errors under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, decisionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteDecisionStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteDecisionStore) Path() string { return s.path }

// Append implements DecisionStore.
func (s *SQLiteDecisionStore) Append(ctx context.Context, rec protocol.DecisionRecord) (protocol.DecisionRecord, error) {
	rec, err := prepare(rec, time.Now())
	if err != nil {
		return rec, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, participant_id, ts, meeting_type, conflicting_type,
			recommended_action, user_action, recommended_slot, chosen_slot, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ParticipantID, rec.Timestamp.UnixNano(), rec.MeetingType, rec.ConflictingType,
		rec.RecommendedAction, rec.UserAction, formatSlot(rec.RecommendedSlot), formatSlot(rec.ChosenSlot), rec.Notes,
	)
	if err != nil {
		return rec, fmt.Errorf("insert decision: %w", err)
	}
	return rec, nil
}

// Recent implements DecisionStore.
func (s *SQLiteDecisionStore) Recent(ctx context.Context, participantID string, limit int) ([]protocol.DecisionRecord, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_id, ts, meeting_type, conflicting_type,
			recommended_action, user_action, recommended_slot, chosen_slot, notes
		FROM decisions
		WHERE participant_id = ?
		ORDER BY ts DESC, seq DESC
		LIMIT ?`, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []protocol.DecisionRecord{}
	for rows.Next() {
		var (
			rec        protocol.DecisionRecord
			ts         int64
			recSlot    string
			chosenSlot string
		)
		if err := rows.Scan(&rec.ID, &rec.ParticipantID, &ts, &rec.MeetingType, &rec.ConflictingType,
			&rec.RecommendedAction, &rec.UserAction, &recSlot, &chosenSlot, &rec.Notes); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		if rec.RecommendedSlot, err = parseSlot(recSlot); err != nil {
			return nil, err
		}
		if rec.ChosenSlot, err = parseSlot(chosenSlot); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

// Close implements DecisionStore.
func (s *SQLiteDecisionStore) Close() error {
	return s.db.Close()
}

func formatSlot(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return protocol.CanonicalSlot(t)
}

func parseSlot(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slot %q: %w", s, err)
	}
	return t, nil
}
