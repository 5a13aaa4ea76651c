package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnqueueAnalysis inserts a pending queue item for (conversationID, analysisType).
// Returns false without error when a pending or in-progress item for the pair
// already exists (idempotent enqueue).
func (s *Store) EnqueueAnalysis(conversationID, analysisType, batchID string) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.db.Exec(`
		INSERT INTO analysis_queue (id, conversation_id, type, status, attempts, batch_id, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?)
		ON CONFLICT (conversation_id, type) WHERE status IN ('pending', 'in_progress') DO NOTHING`,
		uuid.New().String(), conversationID, analysisType, batchID, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimAnalysisBatch atomically moves up to limit pending items of the given
// types to in_progress and returns them oldest-first. Failed items are not
// claimed unless explicitly reset.
func (s *Store) ClaimAnalysisBatch(types []string, limit int) ([]QueueItem, error) {
	if len(types) == 0 || limit <= 0 {
		return nil, nil
	}

	query := `SELECT id, conversation_id, type, status, attempts, batch_id, created_at, updated_at, last_error
		FROM analysis_queue
		WHERE status = 'pending' AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
		ORDER BY created_at ASC
		LIMIT ?`

	args := make([]any, 0, len(types)+1)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, limit)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting pending items: %w", err)
	}

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := formatTime(time.Now())
	for i := range items {
		if _, err := tx.Exec(`UPDATE analysis_queue SET status = 'in_progress', updated_at = ? WHERE id = ?`,
			now, items[i].ID); err != nil {
			return nil, fmt.Errorf("claiming item %s: %w", items[i].ID, err)
		}
		items[i].Status = QueueInProgress
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return items, nil
}

func scanQueueItem(rows *sql.Rows) (QueueItem, error) {
	var item QueueItem
	var createdAt, updatedAt string
	if err := rows.Scan(&item.ID, &item.ConversationID, &item.Type, &item.Status, &item.Attempts,
		&item.BatchID, &createdAt, &updatedAt, &item.LastError); err != nil {
		return QueueItem{}, err
	}
	var err error
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing created_at for item %s: %w", item.ID, err)
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing updated_at for item %s: %w", item.ID, err)
	}
	return item, nil
}

// CompleteAnalysisItem marks an in-progress item completed.
func (s *Store) CompleteAnalysisItem(id string) error {
	res, err := s.db.Exec(`UPDATE analysis_queue SET status = 'completed', updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailAnalysisItem increments the attempt count; below maxAttempts the item
// returns to pending for a later scan, otherwise it transitions to failed.
func (s *Store) FailAnalysisItem(id, errMsg string, maxAttempts int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRow(`SELECT attempts FROM analysis_queue WHERE id = ?`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	attempts++
	now := formatTime(time.Now())
	status := QueuePending
	if attempts >= maxAttempts {
		status = QueueFailed
	}
	if _, err := tx.Exec(`UPDATE analysis_queue SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, attempts, errMsg, now, id); err != nil {
		return err
	}

	return tx.Commit()
}

// ResetFailedAnalysis returns all failed items to pending with a fresh attempt count.
func (s *Store) ResetFailedAnalysis() (int, error) {
	res, err := s.db.Exec(`UPDATE analysis_queue SET status = 'pending', attempts = 0, last_error = '', updated_at = ?
		WHERE status = 'failed'`, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountQueueItems returns the number of queue items per status.
func (s *Store) CountQueueItems() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM analysis_queue GROUP BY status`)
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

// ResetAnalysisState clears all queue items, learnings, and workflow
// signatures. Used by full rescans before reprocessing every conversation.
func (s *Store) ResetAnalysisState() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"analysis_queue", "learnings", "workflow_signatures"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	return tx.Commit()
}
