package core

import (
	"encoding/json"
	"fmt"
)

// DecodeTask extracts a Task from message content. Over the in-memory
// bus the value is still a typed Task; over redis or NATS it arrives
// as a generic JSON map and needs a round trip.
func DecodeTask(v any) (*Task, error) {
	switch t := v.(type) {
	case *Task:
		return t, nil
	case Task:
		return &t, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode task payload: %w", err)
		}
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("decode task payload: %w", err)
		}
		if task.ID == "" {
			return nil, fmt.Errorf("task payload missing id")
		}
		return &task, nil
	}
}

// ContentString reads a string field from message content.
func ContentString(content map[string]any, key string) string {
	if content == nil {
		return ""
	}
	if v, ok := content[key].(string); ok {
		return v
	}
	return ""
}
