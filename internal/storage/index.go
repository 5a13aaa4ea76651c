package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// The search_tokens table is a derived projection of conversation titles and
// message content. It is never authoritative: ReplaceSearchTokens rebuilds a
// conversation's rows wholesale, and the whole table can be rebuilt from the
// canonical tables at any time.

func replaceTokensTx(tx *sql.Tx, conversationID string, tokens []string) error {
	if _, err := tx.Exec(`DELETE FROM search_tokens WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clearing tokens for %s: %w", conversationID, err)
	}
	if len(tokens) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO search_tokens (token, conversation_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing token insert: %w", err)
	}
	defer stmt.Close()
	for _, tok := range tokens {
		if _, err := stmt.Exec(tok, conversationID); err != nil {
			return fmt.Errorf("inserting token %q: %w", tok, err)
		}
	}
	return nil
}

// ReplaceSearchTokens replaces the indexed token set for one conversation.
func (s *Store) ReplaceSearchTokens(conversationID string, tokens []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	defer tx.Rollback()

	if err := replaceTokensTx(tx, conversationID, tokens); err != nil {
		return err
	}
	return tx.Commit()
}

// LexicalMatches returns, per conversation, how many of the given distinct
// query tokens appear in its indexed token set.
func (s *Store) LexicalMatches(tokens []string) (map[string]int, error) {
	if len(tokens) == 0 {
		return map[string]int{}, nil
	}
	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	query := `SELECT conversation_id, COUNT(DISTINCT token) FROM search_tokens
		WHERE token IN (?` + strings.Repeat(",?", len(tokens)-1) + `)
		GROUP BY conversation_id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		matches[id] = n
	}
	return matches, rows.Err()
}

// ClearSearchIndex drops all indexed tokens ahead of a full rebuild.
func (s *Store) ClearSearchIndex() error {
	_, err := s.db.Exec(`DELETE FROM search_tokens`)
	return err
}
