package store

import (
	"encoding/json"
	"fmt"

	"github.com/mkefalas/agora/internal/core"
)

// SaveMessage appends an audit copy of a bus message.
func (s *Store) SaveMessage(m *core.Message) error {
	var content []byte
	if m.Content != nil {
		content, _ = json.Marshal(m.Content)
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, sender_id, receiver_id, type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.SenderID, m.ReceiverID, m.Type, nullableString(content), m.Timestamp)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessages returns the most recent messages involving an agent,
// newest first.
func (s *Store) GetMessages(agentID string, limit int) ([]core.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, sender_id, receiver_id, type, content, created_at
		FROM messages
		WHERE sender_id = ? OR receiver_id = ?
		ORDER BY created_at DESC LIMIT ?`, agentID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []core.Message
	for rows.Next() {
		var m core.Message
		var receiver, content *string
		if err := rows.Scan(&m.ID, &m.SenderID, &receiver, &m.Type, &content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if receiver != nil {
			m.ReceiverID = *receiver
		}
		if content != nil && *content != "" {
			_ = json.Unmarshal([]byte(*content), &m.Content)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
