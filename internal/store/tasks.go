package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mkefalas/agora/internal/core"
)

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	t := &core.Task{}
	var assignee, dependsOn, metadata, result sql.NullString
	err := scanner.Scan(&t.ID, &t.Title, &t.Description, &assignee, &t.Status, &t.Priority,
		&dependsOn, &metadata, &result, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.AssigneeID = assignee.String
	if dependsOn.Valid && dependsOn.String != "" {
		_ = json.Unmarshal([]byte(dependsOn.String), &t.DependsOn)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &t.Metadata)
	}
	if result.Valid && result.String != "" {
		_ = json.Unmarshal([]byte(result.String), &t.Result)
	}
	return t, nil
}

// SaveTask upserts the authoritative task record. Called on every
// status transition so the journal mirrors the in-memory state.
func (s *Store) SaveTask(t *core.Task) error {
	dependsOn, _ := json.Marshal(t.DependsOn)
	metadata, _ := json.Marshal(t.Metadata)
	var result []byte
	if t.Result != nil {
		result, _ = json.Marshal(t.Result)
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, description, assignee_id, status, priority, depends_on, metadata, result, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			assignee_id = excluded.assignee_id,
			status = excluded.status,
			priority = excluded.priority,
			depends_on = excluded.depends_on,
			metadata = excluded.metadata,
			result = excluded.result,
			completed_at = excluded.completed_at`,
		t.ID, t.Title, t.Description, t.AssigneeID, t.Status, t.Priority,
		string(dependsOn), string(metadata), nullableString(result), t.CreatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*core.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, title, description, assignee_id, status, priority,
		       depends_on, metadata, result, created_at, completed_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(status core.TaskStatus) ([]core.Task, error) {
	query := `
		SELECT id, title, description, assignee_id, status, priority,
		       depends_on, metadata, result, created_at, completed_at
		FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
