package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetOrCreateSession looks up a session by key, creating it with a zero
// cursor when absent. The provenance hint is only applied on creation;
// UpdateProvenance handles later reclassification.
func (s *Store) GetOrCreateSession(sessionKey, filePath, provenance string) (*Session, error) {
	if provenance == "" {
		provenance = "unknown"
	}
	now := time.Now()

	_, err := s.db.Exec(`
		INSERT INTO sessions (session_key, provenance, file_path, last_offset, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(session_key) DO NOTHING
	`, sessionKey, provenance, nullString(filePath), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}

	return s.GetSessionByKey(sessionKey)
}

// GetSessionByKey retrieves a session by its unique key. Returns nil when
// absent.
func (s *Store) GetSessionByKey(sessionKey string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, session_key, provenance, file_path, last_offset, created_at, updated_at
		FROM sessions WHERE session_key = ?
	`, sessionKey)
	return scanSession(row)
}

// UpdateProvenance reclassifies a session. Used when the first classified
// sender of a batch gives a stronger signal than the ingest hint.
func (s *Store) UpdateProvenance(sessionID int64, provenance string) error {
	if provenance == "" || provenance == "unknown" {
		return nil
	}
	_, err := s.db.Exec(`
		UPDATE sessions SET provenance = ?, updated_at = ? WHERE id = ?
	`, provenance, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update provenance: %w", err)
	}
	return nil
}

// AdvanceCursor durably records a batch's conversation turns and moves the
// session's resume offset to newOffset in one transaction. The offset only
// moves forward: if another scan already advanced past newOffset the whole
// batch is dropped as already applied (overlapping scans of one session are
// additionally serialized by the ingest pipeline's per-session lock).
func (s *Store) AdvanceCursor(sessionID int64, newOffset int, turns []Turn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cursor transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE sessions SET last_offset = ?, updated_at = ?
		WHERE id = ? AND last_offset < ?
	`, newOffset, time.Now(), sessionID, newOffset)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cursor advance: %w", err)
	}
	if affected == 0 {
		// Cursor already at or past newOffset: these turns were applied by
		// an earlier run. Dropping the batch keeps re-ingestion idempotent.
		return nil
	}

	for _, turn := range turns {
		created := turn.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		var personID any
		if turn.PersonID != nil {
			personID = *turn.PersonID
		}
		_, err := tx.Exec(`
			INSERT INTO conversation_turns (session_id, person_id, role, content, external_sender_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sessionID, personID, turn.Role, turn.Content, nullString(turn.ExternalSenderID), created)
		if err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cursor transaction: %w", err)
	}
	return nil
}

// SessionTurns returns a session's turns in insertion order.
func (s *Store) SessionTurns(sessionID int64) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, person_id, role, content, external_sender_id, created_at
		FROM conversation_turns WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var personID sql.NullInt64
		var senderID sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &personID, &t.Role, &t.Content, &senderID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if personID.Valid {
			id := personID.Int64
			t.PersonID = &id
		}
		t.ExternalSenderID = senderID.String
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CountTurns returns the total number of stored conversation turns.
func (s *Store) CountTurns() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversation_turns`).Scan(&count)
	return count, err
}

// AddMedia records a captured image/video reference. Immutable once
// inserted.
func (s *Store) AddMedia(m Media) (int64, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var personID, sessionID any
	if m.PersonID != nil {
		personID = *m.PersonID
	}
	if m.SessionID != nil {
		sessionID = *m.SessionID
	}

	res, err := s.db.Exec(`
		INSERT INTO media (person_id, session_id, kind, url, caption, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, personID, sessionID, m.Kind, m.URL, nullString(m.Caption), created)
	if err != nil {
		return 0, fmt.Errorf("failed to insert media: %w", err)
	}
	return res.LastInsertId()
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var filePath sql.NullString
	err := row.Scan(&sess.ID, &sess.SessionKey, &sess.Provenance, &filePath,
		&sess.LastOffset, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.FilePath = filePath.String
	return &sess, nil
}
