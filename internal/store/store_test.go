package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mkefalas/agora/internal/config"
	"github.com/mkefalas/agora/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskJournal(t *testing.T) {
	s := newTestStore(t)

	task := core.NewTask("Build X", "build the X component")
	task.Metadata["capability"] = "code_generation"
	task.DependsOn = []string{"dep-1"}
	task.Priority = 5

	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.Title != "Build X" {
		t.Errorf("expected title 'Build X', got '%s'", got.Title)
	}
	if got.Status != core.TaskPending {
		t.Errorf("expected status pending, got %s", got.Status)
	}
	if got.Capability() != core.CapCodeGeneration {
		t.Errorf("expected capability code_generation, got %s", got.Capability())
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "dep-1" {
		t.Errorf("unexpected dependencies: %v", got.DependsOn)
	}

	// Transition to completed
	now := time.Now().UTC()
	task.Status = core.TaskCompleted
	task.AssigneeID = "dev-001"
	task.CompletedAt = &now
	task.Result = map[string]any{"status": "completed"}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	got, _ = s.GetTask(task.ID)
	if got.Status != core.TaskCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completion timestamp")
	}
	if got.Result["status"] != "completed" {
		t.Errorf("unexpected result: %v", got.Result)
	}

	// Not found
	got, err = s.GetTask("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent task")
	}
}

func TestListTasksByStatus(t *testing.T) {
	s := newTestStore(t)

	pending := core.NewTask("a", "")
	done := core.NewTask("b", "")
	done.Status = core.TaskCompleted
	_ = s.SaveTask(pending)
	_ = s.SaveTask(done)

	tasks, err := s.ListTasks(core.TaskPending)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "a" {
		t.Errorf("expected only pending task 'a', got %v", tasks)
	}

	all, _ := s.ListTasks("")
	if len(all) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(all))
	}
}

func TestAgentRecords(t *testing.T) {
	s := newTestStore(t)

	a := &AgentRecord{
		ID:           "dev-001",
		Name:         "Developer 1",
		Role:         "developer",
		Capabilities: []core.Capability{core.CapCodeGeneration, core.CapCodeReview},
		State:        core.StateIdle,
	}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("dev-001")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %v", got.Capabilities)
	}

	if err := s.UpdateAgentState("dev-001", core.StateWorking); err != nil {
		t.Fatalf("update state: %v", err)
	}
	got, _ = s.GetAgent("dev-001")
	if got.State != core.StateWorking {
		t.Errorf("expected working, got %s", got.State)
	}

	agents, _ := s.ListAgents()
	if len(agents) != 1 {
		t.Errorf("expected 1 agent, got %d", len(agents))
	}
}

func TestMessageAudit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		msg := core.NewMessage("orchestrator", "dev-001", core.MsgStatusUpdate, map[string]any{"seq": i})
		if err := s.SaveMessage(msg); err != nil {
			t.Fatalf("save message: %v", err)
		}
	}

	// Duplicate id is a no-op
	dup := core.NewMessage("orchestrator", "dev-001", core.MsgStatusUpdate, nil)
	_ = s.SaveMessage(dup)
	if err := s.SaveMessage(dup); err != nil {
		t.Fatalf("duplicate save should not error: %v", err)
	}

	msgs, err := s.GetMessages("dev-001", 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 6 {
		t.Errorf("expected 6 messages, got %d", len(msgs))
	}

	msgs, _ = s.GetMessages("unrelated", 10)
	if len(msgs) != 0 {
		t.Errorf("expected no messages for unrelated agent, got %d", len(msgs))
	}
}
