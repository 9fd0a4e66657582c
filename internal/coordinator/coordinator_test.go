package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkefalas/agora/internal/agent"
	"github.com/mkefalas/agora/internal/bus"
	"github.com/mkefalas/agora/internal/config"
	"github.com/mkefalas/agora/internal/core"
)

func testConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		MaxRetries:         3,
		RetryBackoff:       10 * time.Millisecond,
		QueueDrainInterval: 25 * time.Millisecond,
		HealthInterval:     time.Hour, // driven manually in tests
		SupervisorRole:     "project_manager",
		AssistTimeout:      time.Second,
	}
}

func newTestCoordinator(t *testing.T, cfg config.CoordinatorConfig) (*Coordinator, bus.Bus) {
	t.Helper()
	b := bus.NewMemory()
	c := New(b, nil, cfg, agent.Options{HeartbeatInterval: time.Hour})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() {
		c.Stop()
		b.Close()
	})
	return c, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func okExecutor(role string, caps ...core.Capability) ExecutorFactory {
	return func() agent.Executor {
		return agent.NewExecutor(role, caps, func(ctx context.Context, task *core.Task) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})
	}
}

func capTask(title string, cap core.Capability) *core.Task {
	t := core.NewTask(title, "")
	t.Metadata["capability"] = string(cap)
	return t
}

func TestSubmitAssignsAndCompletes(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	c.RegisterClass("developer", okExecutor("developer", core.CapCodeGeneration))
	if _, err := c.SpawnAgent("developer", "dev-001"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	task := capTask("Implement parser", core.CapCodeGeneration)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "task completion", func() bool {
		got := c.Task(task.ID)
		return got != nil && got.Status == core.TaskCompleted
	})
	if task.AssigneeID != "dev-001" {
		t.Fatalf("assignee = %q, want dev-001", task.AssigneeID)
	}
}

func TestSubmitWithoutAgentDefersThenDrains(t *testing.T) {
	c, b := newTestCoordinator(t, testConfig())
	c.RegisterClass("developer", okExecutor("developer", core.CapCodeGeneration))

	task := capTask("Queued work", core.CapCodeGeneration)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if n, _ := b.QueueLen(DeferredQueue); n != 1 {
		t.Fatalf("deferred queue len = %d, want 1", n)
	}
	if got := c.Task(task.ID); got.Status != core.TaskPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	if _, err := c.SpawnAgent("developer", "dev-001"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitFor(t, "deferred task completion", func() bool {
		got := c.Task(task.ID)
		return got != nil && got.Status == core.TaskCompleted
	})
}

func TestDependencyGating(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())

	release := make(chan struct{})
	c.RegisterClass("developer", func() agent.Executor {
		return agent.NewExecutor("developer", []core.Capability{core.CapCodeGeneration},
			func(ctx context.Context, task *core.Task) (map[string]any, error) {
				if task.Title == "A" {
					<-release
				}
				return nil, nil
			})
	})
	if _, err := c.SpawnAgent("developer", "dev-001"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := c.SpawnAgent("developer", "dev-002"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	a := capTask("A", core.CapCodeGeneration)
	bTask := capTask("B", core.CapCodeGeneration)
	bTask.DependsOn = []string{a.ID}

	if err := c.SubmitTask(a); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if err := c.SubmitTask(bTask); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	// B must stay blocked while A is still running.
	time.Sleep(50 * time.Millisecond)
	if got := c.Task(bTask.ID); got.Status != core.TaskBlocked {
		t.Fatalf("B status = %s, want blocked", got.Status)
	}

	close(release)
	waitFor(t, "B completion after A", func() bool {
		return c.Task(bTask.ID).Status == core.TaskCompleted
	})
	if c.Task(a.ID).Status != core.TaskCompleted {
		t.Fatalf("A not completed")
	}
}

func TestRetryCeilingThenEscalate(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())

	var attempts atomic.Int64
	c.RegisterClass("developer", func() agent.Executor {
		return agent.NewExecutor("developer", []core.Capability{core.CapCodeGeneration},
			func(ctx context.Context, task *core.Task) (map[string]any, error) {
				attempts.Add(1)
				return nil, errors.New("boom")
			})
	})
	c.RegisterClass("project_manager", okExecutor("project_manager", core.CapProjectManagement))
	if _, err := c.SpawnAgent("developer", "dev-001"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	pm, err := c.SpawnAgent("project_manager", "pm-001")
	if err != nil {
		t.Fatalf("spawn pm: %v", err)
	}

	escalated := make(chan *core.Message, 1)
	pm.Handle(core.MsgTaskEscalation, func(ctx context.Context, msg *core.Message) {
		escalated <- msg
	})

	task := capTask("Doomed", core.CapCodeGeneration)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var esc *core.Message
	select {
	case esc = <-escalated:
	case <-time.After(2 * time.Second):
		t.Fatal("no escalation received")
	}

	if got := c.Task(task.ID).Status; got != core.TaskEscalated {
		t.Fatalf("status = %s, want escalated", got)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("executor ran %d times, want 3", got)
	}
	if esc.ReceiverID != "pm-001" {
		t.Fatalf("escalation receiver = %q, want pm-001", esc.ReceiverID)
	}

	// No further attempts after escalation.
	time.Sleep(100 * time.Millisecond)
	if got := attempts.Load(); got != 3 {
		t.Fatalf("executor ran again after escalation: %d attempts", got)
	}
}

func TestStopCancelsScheduledRetry(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	c, _ := newTestCoordinator(t, cfg)

	var attempts atomic.Int64
	c.RegisterClass("developer", func() agent.Executor {
		return agent.NewExecutor("developer", []core.Capability{core.CapCodeGeneration},
			func(ctx context.Context, task *core.Task) (map[string]any, error) {
				attempts.Add(1)
				return nil, errors.New("boom")
			})
	})
	if _, err := c.SpawnAgent("developer", "dev-001"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	task := capTask("Flaky", core.CapCodeGeneration)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "retry scheduled", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.retryTimers[task.ID]
		return ok
	})

	// Stopping mid-backoff must cancel the pending retry.
	c.Stop()

	time.Sleep(2*cfg.RetryBackoff + 50*time.Millisecond)
	if got := attempts.Load(); got != 1 {
		t.Fatalf("executor ran %d times after stop, want 1", got)
	}
	if got := c.Task(task.ID).Status; got != core.TaskPending {
		t.Fatalf("status = %s, want pending", got)
	}
}

func TestDuplicateCompletionIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())

	task := capTask("Once", core.CapCodeGeneration)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	c.onTaskCompleted(task.ID, map[string]any{"n": 1})
	c.onTaskCompleted(task.ID, map[string]any{"n": 2})

	got := c.Task(task.ID)
	if got.Status != core.TaskCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Result["n"] != 1 {
		t.Fatalf("result overwritten by duplicate report: %v", got.Result)
	}
	if snap := c.Snapshot(); snap["tasks_completed"] != int64(1) {
		t.Fatalf("completed counter = %v, want 1", snap["tasks_completed"])
	}
}

func TestHealthMonitorMarksVanishedAgentOffline(t *testing.T) {
	c, b := newTestCoordinator(t, testConfig())
	c.RegisterClass("developer", okExecutor("developer", core.CapCodeGeneration))
	rt, err := c.SpawnAgent("developer", "dev-001")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := b.Unregister("dev-001"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	c.monitorHealth()

	if got := rt.State(); got != core.StateOffline {
		t.Fatalf("state = %s, want offline", got)
	}
}

func TestHealthMonitorRestartsErroredAgent(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	c.RegisterClass("developer", okExecutor("developer", core.CapCodeGeneration))
	rt, err := c.SpawnAgent("developer", "dev-001")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	rt.SetState(core.StateError)
	c.monitorHealth()

	replacement := c.Agent("dev-001")
	if replacement == nil {
		t.Fatal("agent missing after restart")
	}
	if replacement == rt {
		t.Fatal("runtime was not replaced")
	}
	waitFor(t, "replacement idle", func() bool {
		return replacement.State() == core.StateIdle
	})

	// The replacement must be assignable under the old identity.
	task := capTask("After restart", core.CapCodeGeneration)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "post-restart completion", func() bool {
		return c.Task(task.ID).Status == core.TaskCompleted
	})
	if task.AssigneeID != "dev-001" {
		t.Fatalf("assignee = %q, want dev-001", task.AssigneeID)
	}
}

func TestAssistanceFindsHelper(t *testing.T) {
	c, b := newTestCoordinator(t, testConfig())
	c.RegisterClass("tester", okExecutor("tester", core.CapTesting))
	if _, err := c.SpawnAgent("tester", "qa-001"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	req := core.NewMessage("dev-001", "orchestrator", core.MsgAssistanceRequest, map[string]any{
		"requesting_agent":  "dev-001",
		"capability_needed": string(core.CapTesting),
		"context":           "please verify the build",
	})
	reply, err := b.Request(req, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := core.ContentString(reply.Content, "status"); got != "success" {
		t.Fatalf("status = %q, want success", got)
	}
	if got := core.ContentString(reply.Content, "helper_agent"); got != "qa-001" {
		t.Fatalf("helper = %q, want qa-001", got)
	}

	taskID := core.ContentString(reply.Content, "task_id")
	waitFor(t, "assist task completion", func() bool {
		got := c.Task(taskID)
		return got != nil && got.Status == core.TaskCompleted
	})
}

func TestAssistanceWithoutHelperReplies(t *testing.T) {
	c, b := newTestCoordinator(t, testConfig())
	_ = c

	req := core.NewMessage("dev-001", "orchestrator", core.MsgAssistanceRequest, map[string]any{
		"requesting_agent":  "dev-001",
		"capability_needed": string(core.CapTesting),
	})
	reply, err := b.Request(req, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := core.ContentString(reply.Content, "status"); got != "none" {
		t.Fatalf("status = %q, want none", got)
	}
}

func TestAssistanceAutoRecruits(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRecruit = true
	c, b := newTestCoordinator(t, cfg)
	c.RegisterClass("tester", okExecutor("tester", core.CapTesting))

	req := core.NewMessage("dev-001", "orchestrator", core.MsgAssistanceRequest, map[string]any{
		"requesting_agent":  "dev-001",
		"capability_needed": string(core.CapTesting),
	})
	reply, err := b.Request(req, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := core.ContentString(reply.Content, "status"); got != "success" {
		t.Fatalf("status = %q, want success", got)
	}
	if len(c.Agents()) != 1 {
		t.Fatalf("agents = %d, want 1 recruited", len(c.Agents()))
	}
}

func TestSubmitAfterStopRejected(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	c := New(b, nil, testConfig(), agent.Options{HeartbeatInterval: time.Hour})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Stop()

	if err := c.SubmitTask(capTask("Late", core.CapCodeGeneration)); err == nil {
		t.Fatal("expected error after stop")
	}
}

func TestSnapshotCounts(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig())
	c.RegisterClass("developer", okExecutor("developer", core.CapCodeGeneration))
	if _, err := c.SpawnAgent("developer", "dev-001"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	task := capTask("Counted", core.CapCodeGeneration)
	if err := c.SubmitTask(task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "completion", func() bool {
		return c.Task(task.ID).Status == core.TaskCompleted
	})

	snap := c.Snapshot()
	if snap["tasks_completed"] != int64(1) {
		t.Fatalf("tasks_completed = %v, want 1", snap["tasks_completed"])
	}
	if snap["agents_spawned"] != int64(1) {
		t.Fatalf("agents_spawned = %v, want 1", snap["agents_spawned"])
	}
}
