// Package core defines the shared data model: the message envelope
// exchanged over the bus, the task lifecycle, and agent states.
package core

import (
	"time"

	"github.com/google/uuid"
)

// AgentState is the lifecycle state of an agent runtime.
type AgentState string

const (
	StateIdle    AgentState = "idle"
	StateWorking AgentState = "working"
	StateWaiting AgentState = "waiting"
	StateError   AgentState = "error"
	StateOffline AgentState = "offline"
)

// Capability tags what kind of task an agent can execute.
type Capability string

const (
	CapCodeGeneration    Capability = "code_generation"
	CapCodeReview        Capability = "code_review"
	CapTesting           Capability = "testing"
	CapUIDesign          Capability = "ui_design"
	CapArchitecture      Capability = "architecture"
	CapProjectManagement Capability = "project_management"
	CapDocumentation     Capability = "documentation"
	CapDeployment        Capability = "deployment"
)

// TaskStatus is the coordinator-owned lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskBlocked   TaskStatus = "blocked"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskEscalated TaskStatus = "escalated"
)

// Message types recognized by the coordinator and agent runtimes.
const (
	MsgAgentReady         = "agent_ready"
	MsgTaskAssignment     = "task_assignment"
	MsgTaskCompleted      = "task_completed"
	MsgTaskFailed         = "task_failed"
	MsgStatusUpdate       = "status_update"
	MsgAssistanceRequest  = "assistance_request"
	MsgAssistanceResponse = "assistance_response"
	MsgTaskEscalation     = "task_escalation"
)

// EventType returns the message type for a broadcast event.
func EventType(name string) string {
	return "event:" + name
}

// Message is the envelope delivered over bus channels. An empty
// ReceiverID means broadcast.
type Message struct {
	ID               string         `json:"id"`
	SenderID         string         `json:"sender_id"`
	ReceiverID       string         `json:"receiver_id,omitempty"`
	Type             string         `json:"message_type"`
	Content          map[string]any `json:"content"`
	Timestamp        time.Time      `json:"timestamp"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(sender, receiver, msgType string, content map[string]any) *Message {
	return &Message{
		ID:         uuid.New().String(),
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       msgType,
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}
}

// Task is a unit of work. The coordinator owns the authoritative status;
// the assigned agent only executes the body and reports back.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	AssigneeID  string         `json:"assignee_id,omitempty"`
	Status      TaskStatus     `json:"status"`
	Priority    int            `json:"priority"`
	DependsOn   []string       `json:"dependencies,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewTask builds a pending task with a fresh id.
func NewTask(title, description string) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Status:      TaskPending,
		Priority:    1,
		CreatedAt:   time.Now().UTC(),
		Metadata:    make(map[string]any),
	}
}

// Capability returns the capability required to execute the task, read
// from metadata. Empty when none was requested.
func (t *Task) Capability() Capability {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata["capability"].(string); ok {
		return Capability(v)
	}
	return ""
}

// RetryCount returns the number of retry attempts recorded in metadata.
func (t *Task) RetryCount() int {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata["retry"].(type) {
	case int:
		return v
	case float64: // JSON round-trip
		return int(v)
	}
	return 0
}

// SetRetryCount records the retry attempt counter in metadata.
func (t *Task) SetRetryCount(n int) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata["retry"] = n
}
