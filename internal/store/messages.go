package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thefeshin/hush-sub000/internal/vault"
)

// Conversation mirrors one conversations row.
type Conversation struct {
	ID        string
	Kind      string // "direct" or "group"
	Metadata  *vault.EncryptedBlob
	CreatedAt time.Time
}

// Message mirrors one messages row. KeyEpoch is nil for direct
// messages.
type Message struct {
	ID             string
	ConversationID string
	Blob           vault.EncryptedBlob
	KeyEpoch       *int64
	CreatedAt      time.Time
	ExpiresAt      *time.Time
}

// CreateConversation inserts a conversation row.
func (s *Store) CreateConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaCT, metaIV []byte
	if c.Metadata != nil {
		metaCT = c.Metadata.Ciphertext
		metaIV = c.Metadata.IV
	}

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, kind, metadata_ciphertext, metadata_iv, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.Kind, metaCT, metaIV, c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by ID, or nil if absent.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Conversation
	var metaCT, metaIV []byte
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, kind, metadata_ciphertext, metadata_iv, created_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.Kind, &metaCT, &metaIV, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	c.CreatedAt = time.Unix(createdAt, 0)
	if len(metaCT) > 0 {
		c.Metadata = &vault.EncryptedBlob{Ciphertext: metaCT, IV: metaIV}
	}
	return &c, nil
}

// UpdateConversationMetadata replaces the opaque metadata blob.
func (s *Store) UpdateConversationMetadata(id string, metadata vault.EncryptedBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE conversations SET metadata_ciphertext = ?, metadata_iv = ? WHERE id = ?
	`, metadata.Ciphertext, metadata.IV, id)
	if err != nil {
		return fmt.Errorf("failed to update conversation metadata: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation not found: %s", id)
	}
	return nil
}

// ListConversations returns all conversations, newest first.
func (s *Store) ListConversations() ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, kind, metadata_ciphertext, metadata_iv, created_at
		FROM conversations ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		var metaCT, metaIV []byte
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Kind, &metaCT, &metaIV, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		if len(metaCT) > 0 {
			c.Metadata = &vault.EncryptedBlob{Ciphertext: metaCT, IV: metaIV}
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// DeleteConversation removes a conversation and, via foreign keys, its
// messages and group state.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// InsertMessage stores one ciphertext message.
func (s *Store) InsertMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var epoch any
	if m.KeyEpoch != nil {
		epoch = *m.KeyEpoch
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, ciphertext, iv, key_epoch, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Blob.Ciphertext, m.Blob.IV, epoch, m.CreatedAt.Unix(), unixOrNil(m.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages for a conversation, oldest
// first.
func (s *Store) ListMessages(conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, conversation_id, ciphertext, iv, key_epoch, created_at, expires_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var epoch, expiresAt sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Blob.Ciphertext, &m.Blob.IV, &epoch, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		if epoch.Valid {
			m.KeyEpoch = &epoch.Int64
		}
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0)
			m.ExpiresAt = &t
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteExpiredMessages removes messages whose expires_at has passed.
// Run periodically by the expiry sweeper.
func (s *Store) DeleteExpiredMessages(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		DELETE FROM messages
		WHERE expires_at IS NOT NULL AND expires_at < ?
	`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}
