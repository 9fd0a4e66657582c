package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkefalas/agora/internal/core"
)

// AgentRecord is a registry snapshot of an agent runtime.
type AgentRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	Capabilities []core.Capability `json:"capabilities"`
	State        core.AgentState   `json:"state"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (s *Store) SaveAgent(a *AgentRecord) error {
	caps, _ := json.Marshal(a.Capabilities)
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, role, capabilities, state, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			capabilities = excluded.capabilities,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Name, a.Role, string(caps), a.State)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*AgentRecord, error) {
	a := &AgentRecord{}
	var caps sql.NullString
	err := s.db.QueryRow(`SELECT id, name, role, capabilities, state, updated_at FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Role, &caps, &a.State, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if caps.Valid && caps.String != "" {
		_ = json.Unmarshal([]byte(caps.String), &a.Capabilities)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]AgentRecord, error) {
	rows, err := s.db.Query(`SELECT id, name, role, capabilities, state, updated_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		a := AgentRecord{}
		var caps sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &caps, &a.State, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if caps.Valid && caps.String != "" {
			_ = json.Unmarshal([]byte(caps.String), &a.Capabilities)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentState(id string, state core.AgentState) error {
	_, err := s.db.Exec(`UPDATE agents SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("update agent state: %w", err)
	}
	return nil
}
