package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const learningColumns = `id, conversation_id, type, rule, normalized_rule, confidence, status,
	scope, project_path, created_at, updated_at`

func scanLearning(row interface{ Scan(...any) error }) (Learning, error) {
	var l Learning
	var createdAt, updatedAt string
	err := row.Scan(&l.ID, &l.ConversationID, &l.Type, &l.Rule, &l.NormalizedRule, &l.Confidence,
		&l.Status, &l.Scope, &l.ProjectPath, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Learning{}, ErrNotFound
	}
	if err != nil {
		return Learning{}, err
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return Learning{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Learning{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return l, nil
}

// InsertLearningIfNew inserts a learning unless a non-rejected learning with
// the same normalized rule already exists in the same scope. Returns true when
// the learning was inserted, false when it was discarded as a duplicate.
func (s *Store) InsertLearningIfNew(l Learning) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning learning transaction: %w", err)
	}
	defer tx.Rollback()

	var dupes int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM learnings
		WHERE scope = ? AND project_path = ? AND normalized_rule = ? AND status != 'rejected'`,
		l.Scope, l.ProjectPath, l.NormalizedRule).Scan(&dupes)
	if err != nil {
		return false, fmt.Errorf("checking for duplicate rule: %w", err)
	}
	if dupes > 0 {
		return false, nil
	}

	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	status := l.Status
	if status == "" {
		status = LearningPending
	}
	_, err = tx.Exec(`
		INSERT INTO learnings (id, conversation_id, type, rule, normalized_rule, confidence, status,
			scope, project_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ConversationID, l.Type, l.Rule, l.NormalizedRule, l.Confidence, status,
		l.Scope, l.ProjectPath, formatTime(l.CreatedAt), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("inserting learning: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetLearning returns a learning by id.
func (s *Store) GetLearning(id string) (Learning, error) {
	row := s.db.QueryRow(`SELECT `+learningColumns+` FROM learnings WHERE id = ?`, id)
	return scanLearning(row)
}

// ListLearnings returns learnings, optionally filtered by status, newest first.
func (s *Store) ListLearnings(status string, limit int) ([]Learning, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`SELECT `+learningColumns+` FROM learnings ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+learningColumns+` FROM learnings WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

// SetLearningStatus transitions a pending learning to approved or rejected.
// Approved and rejected are terminal; transitions out of them return
// ErrTerminalState.
func (s *Store) SetLearningStatus(id, status string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM learnings WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != LearningPending {
		return ErrTerminalState
	}

	if _, err := tx.Exec(`UPDATE learnings SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id); err != nil {
		return err
	}

	return tx.Commit()
}

// CountLearnings returns the number of learnings per status.
func (s *Store) CountLearnings() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM learnings GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- workflow signatures ---

// UpsertWorkflowSignature records an occurrence of a task-pattern cluster.
// A new hash inserts a pending signature; an existing one appends the
// conversation id (if unseen) and bumps the occurrence count. Returns true
// when a new signature was created.
func (s *Store) UpsertWorkflowSignature(hash, description, conversationID string, confidence float64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning signature transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())

	var id, idsJSON string
	err = tx.QueryRow(`SELECT id, conversation_ids FROM workflow_signatures WHERE signature_hash = ?`, hash).
		Scan(&id, &idsJSON)
	switch {
	case err == sql.ErrNoRows:
		ids, err := json.Marshal([]string{conversationID})
		if err != nil {
			return false, fmt.Errorf("marshalling conversation ids: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO workflow_signatures (id, signature_hash, description, conversation_ids, occurrences,
				confidence, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, 'pending', ?, ?)`,
			uuid.New().String(), hash, description, string(ids), confidence, now, now); err != nil {
			return false, fmt.Errorf("inserting signature: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return false, fmt.Errorf("parsing conversation ids for signature %s: %w", hash, err)
	}
	for _, existing := range ids {
		if existing == conversationID {
			// Same conversation re-analyzed; nothing to record.
			return false, tx.Commit()
		}
	}
	ids = append(ids, conversationID)
	updated, err := json.Marshal(ids)
	if err != nil {
		return false, fmt.Errorf("marshalling conversation ids: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE workflow_signatures SET conversation_ids = ?, occurrences = occurrences + 1, updated_at = ?
		WHERE id = ?`, string(updated), now, id); err != nil {
		return false, fmt.Errorf("updating signature %s: %w", hash, err)
	}

	return false, tx.Commit()
}

// ListWorkflowSignatures returns signatures ordered by occurrence count.
func (s *Store) ListWorkflowSignatures(limit int) ([]WorkflowSignature, error) {
	rows, err := s.db.Query(`
		SELECT id, signature_hash, description, conversation_ids, occurrences, confidence, status, created_at, updated_at
		FROM workflow_signatures ORDER BY occurrences DESC, updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []WorkflowSignature
	for rows.Next() {
		var w WorkflowSignature
		var createdAt, updatedAt string
		if err := rows.Scan(&w.ID, &w.SignatureHash, &w.Description, &w.ConversationIDs, &w.Occurrences,
			&w.Confidence, &w.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if w.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, w)
	}
	return results, rows.Err()
}

// SetWorkflowStatus transitions a pending workflow signature to approved or rejected.
func (s *Store) SetWorkflowStatus(id, status string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM workflow_signatures WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != LearningPending {
		return ErrTerminalState
	}

	if _, err := tx.Exec(`UPDATE workflow_signatures SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id); err != nil {
		return err
	}

	return tx.Commit()
}
