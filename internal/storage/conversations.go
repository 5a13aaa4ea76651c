package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const conversationColumns = `id, provider, source_kind, external_key, title, project_path,
	created_at, updated_at, message_count, summary, embedding, embedding_provider`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	var embedding []byte
	err := row.Scan(&c.ID, &c.Provider, &c.SourceKind, &c.ExternalKey, &c.Title, &c.ProjectPath,
		&createdAt, &updatedAt, &c.MessageCount, &c.Summary, &embedding, &c.EmbeddingProvider)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if c.Embedding, err = decodeFloat32s(embedding); err != nil {
		return Conversation{}, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
	}
	return c, nil
}

// GetConversation returns a conversation by its internal id.
func (s *Store) GetConversation(id string) (Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetConversationByKey returns the conversation for a (provider, external key) pair.
func (s *Store) GetConversationByKey(provider, externalKey string) (Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE provider = ? AND external_key = ?`,
		provider, externalKey)
	return scanConversation(row)
}

// GetConversationsByIDs returns the conversations matching the given ids.
// Missing ids are silently omitted.
func (s *Store) GetConversationsByIDs(ids []string) ([]Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// ListConversations returns conversations ordered by most recent update.
func (s *Store) ListConversations(limit int) ([]Conversation, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// AllConversationIDs returns every conversation id, oldest first.
func (s *Store) AllConversationIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountConversations returns the number of stored conversations.
func (s *Store) CountConversations() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}

// GetMessages returns a conversation's messages in ordering-key order.
func (s *Store) GetMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, ts, seq
		FROM messages WHERE conversation_id = ? ORDER BY ts ASC, seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &ts, &m.Seq); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpsertCommit is the full set of writes for one reconciled conversation.
// Applied atomically: conversation row, message inserts/replacements, and the
// derived search-token rows either all commit or none do.
type UpsertCommit struct {
	Conversation Conversation
	Created      bool
	Inserts      []Message
	Replacements []Message // existing ids with new content
	Tokens       []string  // full replacement token set; applied when Reindex
	Reindex      bool
}

// ApplyUpsert commits a reconciled conversation in one transaction.
func (s *Store) ApplyUpsert(c UpsertCommit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	conv := c.Conversation
	if c.Created {
		_, err = tx.Exec(`
			INSERT INTO conversations (id, provider, source_kind, external_key, title, project_path,
				created_at, updated_at, message_count, summary, embedding, embedding_provider)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.Provider, conv.SourceKind, conv.ExternalKey, conv.Title, conv.ProjectPath,
			formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt), conv.MessageCount, conv.Summary,
			encodeFloat32s(conv.Embedding), conv.EmbeddingProvider)
	} else {
		_, err = tx.Exec(`
			UPDATE conversations SET title = ?, project_path = ?, updated_at = ?, message_count = ?, summary = ?
			WHERE id = ?`,
			conv.Title, conv.ProjectPath, formatTime(conv.UpdatedAt), conv.MessageCount, conv.Summary, conv.ID)
	}
	if err != nil {
		return fmt.Errorf("writing conversation %s: %w", conv.ID, err)
	}

	if len(c.Inserts) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO messages (id, conversation_id, role, content, ts, seq) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing message insert: %w", err)
		}
		for _, m := range c.Inserts {
			if _, err := stmt.Exec(m.ID, conv.ID, m.Role, m.Content, m.Timestamp.UTC().UnixMilli(), m.Seq); err != nil {
				stmt.Close()
				return fmt.Errorf("inserting message %s: %w", m.ID, err)
			}
		}
		stmt.Close()
	}

	for _, m := range c.Replacements {
		if _, err := tx.Exec(`UPDATE messages SET role = ?, content = ? WHERE id = ?`, m.Role, m.Content, m.ID); err != nil {
			return fmt.Errorf("replacing message %s: %w", m.ID, err)
		}
	}

	if c.Reindex {
		if err := replaceTokensTx(tx, conv.ID, c.Tokens); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SetConversationEmbedding stores the embedding vector and provider tag for a conversation.
func (s *Store) SetConversationEmbedding(id string, vec []float32, provider string) error {
	res, err := s.db.Exec(`UPDATE conversations SET embedding = ?, embedding_provider = ? WHERE id = ?`,
		encodeFloat32s(vec), provider, id)
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

// AllEmbeddings returns every conversation embedding, skipping conversations
// without one.
func (s *Store) AllEmbeddings() ([]ConversationEmbedding, error) {
	rows, err := s.db.Query(`SELECT id, updated_at, embedding FROM conversations WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationEmbedding
	for rows.Next() {
		var e ConversationEmbedding
		var updatedAt string
		var blob []byte
		if err := rows.Scan(&e.ConversationID, &updatedAt, &blob); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		if e.Vector, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", e.ConversationID, err)
		}
		if len(e.Vector) == 0 {
			continue
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- sync cursors ---

// GetCursor returns the stored cursor for a provider, or "" if none exists.
func (s *Store) GetCursor(provider string) (string, error) {
	var cursor string
	err := s.db.QueryRow(`SELECT cursor FROM sync_cursors WHERE provider = ?`, provider).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cursor, err
}

// SetCursor stores the cursor for a provider.
func (s *Store) SetCursor(provider, cursor string) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_cursors (provider, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		provider, cursor, formatTime(time.Now()))
	return err
}

// ClearCursor removes a provider's cursor, forcing the next pass to be full.
func (s *Store) ClearCursor(provider string) error {
	_, err := s.db.Exec(`DELETE FROM sync_cursors WHERE provider = ?`, provider)
	return err
}
