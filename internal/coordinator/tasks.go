package coordinator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mkefalas/agora/internal/core"
)

// SubmitTask accepts a new task. Tasks with unmet dependencies are
// held blocked; the rest are assigned immediately or deferred when no
// eligible agent exists.
func (c *Coordinator) SubmitTask(t *core.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("submit task: missing task id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.accepting {
		return fmt.Errorf("submit task %s: coordinator is shutting down", t.ID)
	}
	if _, ok := c.tasks[t.ID]; ok {
		return fmt.Errorf("submit task %s: already tracked", t.ID)
	}
	if _, ok := c.completed[t.ID]; ok {
		return fmt.Errorf("submit task %s: already completed", t.ID)
	}

	if c.unmetDeps(t) {
		t.Status = core.TaskBlocked
		c.tasks[t.ID] = t
		c.saveTask(t)
		slog.Info("task blocked on dependencies", "task", t.ID, "deps", t.DependsOn)
		c.publishEvent("task_blocked", map[string]any{"task_id": t.ID, "dependencies": t.DependsOn})
		return nil
	}

	t.Status = core.TaskPending
	c.tasks[t.ID] = t
	c.assignLocked(t)
	return nil
}

// unmetDeps reports whether any dependency has not completed yet.
// Caller holds the mutex.
func (c *Coordinator) unmetDeps(t *core.Task) bool {
	for _, dep := range t.DependsOn {
		if _, done := c.completed[dep]; !done {
			return true
		}
	}
	return false
}

// assignLocked picks an idle agent with the task's capability and
// dispatches the task, or pushes it on the deferred queue. Caller
// holds the mutex.
func (c *Coordinator) assignLocked(t *core.Task) {
	cap := t.Capability()
	if cap == "" {
		cap = core.CapCodeGeneration
	}

	id := c.findIdleLocked(cap, "")
	if id == "" {
		c.saveTask(t)
		if err := c.bus.Push(DeferredQueue, t); err != nil {
			slog.Error("deferring task failed", "task", t.ID, "error", err)
			return
		}
		slog.Info("no idle agent, task deferred", "task", t.ID, "capability", cap)
		return
	}

	c.dispatchLocked(t, id)
}

// dispatchLocked hands a task to a specific agent. Caller holds the
// mutex.
func (c *Coordinator) dispatchLocked(t *core.Task, agentID string) {
	t.AssigneeID = agentID
	t.Status = core.TaskAssigned
	c.tasks[t.ID] = t
	c.saveTask(t)
	c.metrics.TasksAssigned++

	// The agent gets its own copy; the tracked task is mutated only
	// here, on completion and failure reports.
	wire := *t
	msg := core.NewMessage("orchestrator", agentID, core.MsgTaskAssignment, map[string]any{"task": &wire})
	if err := c.bus.Publish(msg); err != nil {
		slog.Error("task assignment publish failed", "task", t.ID, "agent", agentID, "error", err)
		return
	}

	slog.Info("task assigned", "task", t.ID, "agent", agentID, "attempt", t.RetryCount()+1)
	c.publishEvent("task_assigned", map[string]any{"task_id": t.ID, "agent_id": agentID})
}

// drainDeferred retries every task currently on the deferred queue.
// Tasks that still find no agent are pushed back, so each drain pass
// pops at most the count seen at entry.
func (c *Coordinator) drainDeferred() {
	n, err := c.bus.QueueLen(DeferredQueue)
	if err != nil || n == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < n; i++ {
		v, err := c.bus.Pop(DeferredQueue)
		if err != nil || v == nil {
			return
		}
		t, err := core.DecodeTask(v)
		if err != nil {
			slog.Error("deferred queue entry unreadable", "error", err)
			continue
		}
		tracked, ok := c.tasks[t.ID]
		if !ok || tracked.Status != core.TaskPending {
			continue // settled elsewhere, drop the queue copy
		}
		c.assignLocked(tracked)
	}
}

// onTaskCompleted finalizes a task. Duplicate reports are ignored; the
// first one wins. Completing a task releases any blocked tasks whose
// dependencies are now all done.
func (c *Coordinator) onTaskCompleted(taskID string, result map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		if _, done := c.completed[taskID]; done {
			slog.Debug("duplicate completion ignored", "task", taskID)
		} else {
			slog.Warn("completion for unknown task", "task", taskID)
		}
		return
	}

	c.stopRetryLocked(taskID)

	now := time.Now().UTC()
	t.Status = core.TaskCompleted
	t.CompletedAt = &now
	t.Result = result
	delete(c.tasks, taskID)
	c.completed[taskID] = t
	c.saveTask(t)
	c.metrics.TasksCompleted++

	slog.Info("task completed", "task", taskID, "agent", t.AssigneeID)
	c.publishEvent("task_completed", map[string]any{"task_id": taskID, "agent_id": t.AssigneeID})

	c.releaseDependentsLocked(taskID)
}

// releaseDependentsLocked moves blocked tasks whose dependencies are
// all satisfied back to pending and assigns them. Caller holds the
// mutex.
func (c *Coordinator) releaseDependentsLocked(doneID string) {
	for _, t := range c.tasks {
		if t.Status != core.TaskBlocked {
			continue
		}
		depends := false
		for _, dep := range t.DependsOn {
			if dep == doneID {
				depends = true
				break
			}
		}
		if !depends || c.unmetDeps(t) {
			continue
		}
		t.Status = core.TaskPending
		slog.Info("task unblocked", "task", t.ID, "released_by", doneID)
		c.publishEvent("task_unblocked", map[string]any{"task_id": t.ID})
		c.assignLocked(t)
	}
}

// onTaskFailed retries a failed task with linear backoff until the
// retry ceiling, then escalates it to the supervisor.
func (c *Coordinator) onTaskFailed(taskID, errText string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok || t.Status == core.TaskEscalated {
		slog.Debug("failure for unknown or settled task", "task", taskID)
		return
	}

	c.metrics.TasksFailed++
	slog.Warn("task failed", "task", taskID, "agent", t.AssigneeID, "error", errText)

	attempts := t.RetryCount() + 1
	if attempts >= c.cfg.MaxRetries {
		c.escalateLocked(t, errText)
		return
	}

	t.SetRetryCount(t.RetryCount() + 1)
	t.Status = core.TaskPending
	t.AssigneeID = ""
	c.saveTask(t)

	delay := c.cfg.RetryBackoff * time.Duration(t.RetryCount())
	slog.Info("task retry scheduled", "task", taskID, "attempt", t.RetryCount()+1, "delay", delay)

	c.retryTimers[taskID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.retryTimers, taskID)
		if !c.accepting {
			return
		}
		rt, ok := c.tasks[taskID]
		if !ok || rt.Status != core.TaskPending {
			return
		}
		c.assignLocked(rt)
	})
}

// escalateLocked marks a task escalated and notifies the supervisor
// agent, if one is registered. Caller holds the mutex.
func (c *Coordinator) escalateLocked(t *core.Task, errText string) {
	c.stopRetryLocked(t.ID)
	t.Status = core.TaskEscalated
	c.saveTask(t)
	c.metrics.TasksEscalated++

	supervisor := c.findByRoleLocked(c.cfg.SupervisorRole)
	if supervisor == "" {
		slog.Error("task escalated with no supervisor available",
			"task", t.ID, "role", c.cfg.SupervisorRole, "error", errText)
	} else {
		msg := core.NewMessage("orchestrator", supervisor, core.MsgTaskEscalation, map[string]any{
			"task":     t,
			"error":    errText,
			"severity": "high",
		})
		if err := c.bus.Publish(msg); err != nil {
			slog.Error("escalation publish failed", "task", t.ID, "error", err)
		}
		slog.Warn("task escalated", "task", t.ID, "supervisor", supervisor, "error", errText)
	}

	c.publishEvent("task_escalated", map[string]any{"task_id": t.ID, "error": errText})
}

func (c *Coordinator) stopRetryLocked(taskID string) {
	if timer, ok := c.retryTimers[taskID]; ok {
		timer.Stop()
		delete(c.retryTimers, taskID)
	}
}

// onAssistanceRequest finds an idle capable helper for the requesting
// agent, optionally recruiting a new one, and dispatches an ad-hoc
// assist task to it. Exactly one reply is sent when one was asked for.
func (c *Coordinator) onAssistanceRequest(msg *core.Message) {
	requester := core.ContentString(msg.Content, "requesting_agent")
	if requester == "" {
		requester = msg.SenderID
	}
	cap := core.Capability(core.ContentString(msg.Content, "capability_needed"))
	detail := core.ContentString(msg.Content, "context")
	if detail == "" && msg.Content["context"] != nil {
		detail = fmt.Sprintf("%v", msg.Content["context"])
	}

	c.mu.Lock()
	helper := c.findIdleLocked(cap, requester)
	if helper == "" && c.cfg.AutoRecruit {
		if class, ok := c.capClass[cap]; ok {
			if _, err := c.spawnLocked(class, ""); err != nil {
				slog.Error("auto-recruit failed", "class", class, "error", err)
			} else {
				helper = c.findIdleLocked(cap, requester)
			}
		}
	}

	var assist *core.Task
	if helper != "" {
		assist = core.NewTask(fmt.Sprintf("Assist %s", requester), detail)
		assist.Metadata["capability"] = string(cap)
		assist.Metadata["requesting_agent"] = requester
		assist.Metadata["assist"] = true
		c.dispatchLocked(assist, helper)
	}
	c.mu.Unlock()

	if !msg.RequiresResponse {
		if helper == "" {
			slog.Info("no helper available", "requester", requester, "capability", cap)
		}
		return
	}

	reply := core.NewMessage("orchestrator", requester, core.MsgAssistanceResponse, nil)
	reply.CorrelationID = msg.CorrelationID
	if helper != "" {
		reply.Content = map[string]any{"status": "success", "helper_agent": helper, "task_id": assist.ID}
	} else {
		reply.Content = map[string]any{"status": "none"}
	}
	if err := c.bus.Respond(reply); err != nil {
		slog.Error("assistance reply failed", "requester", requester, "error", err)
	}
}

// onStatusUpdate records agent heartbeats in the journal.
func (c *Coordinator) onStatusUpdate(content map[string]any) {
	agentID := core.ContentString(content, "agent_id")
	state := core.ContentString(content, "state")
	if agentID == "" || state == "" {
		return
	}
	if c.store != nil {
		_ = c.store.UpdateAgentState(agentID, core.AgentState(state))
	}
}

// Task returns a copy of a tracked or completed task by id, or nil.
func (c *Coordinator) Task(id string) *core.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tasks[id]; ok {
		out := *t
		return &out
	}
	if t, ok := c.completed[id]; ok {
		out := *t
		return &out
	}
	return nil
}

// Tasks returns copies of all tracked and completed tasks.
func (c *Coordinator) Tasks() []*core.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*core.Task, 0, len(c.tasks)+len(c.completed))
	for _, t := range c.tasks {
		cp := *t
		out = append(out, &cp)
	}
	for _, t := range c.completed {
		cp := *t
		out = append(out, &cp)
	}
	return out
}
