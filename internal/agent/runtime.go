package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkefalas/agora/internal/bus"
	"github.com/mkefalas/agora/internal/core"
)

// Options bounds the runtime's buffers and timers. Zero values fall
// back to sensible defaults.
type Options struct {
	HeartbeatInterval time.Duration
	ContextSize       int
	HistorySize       int
	MailboxSize       int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.ContextSize <= 0 {
		o.ContextSize = 10
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 50
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 64
	}
	return o
}

// Handler processes one inbound message type on the intake loop.
type Handler func(ctx context.Context, msg *core.Message)

// ContextEntry is one summarized event in the rolling context log.
type ContextEntry struct {
	Type    string    `json:"type"`
	Summary string    `json:"summary"`
	TaskID  string    `json:"task_id,omitempty"`
	Time    time.Time `json:"time"`
}

// Runtime is the execution shell for one agent: a single ordered
// intake loop, a heartbeat loop, and the task execution wrapper.
// Messages for one agent are handled strictly in arrival order;
// different runtimes run concurrently and independently.
type Runtime struct {
	id   string
	name string
	exec Executor
	bus  bus.Bus
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	state       core.AgentState
	currentTask *core.Task
	history     []core.Task
	contextLog  []ContextEntry
	handlers    map[string]Handler

	mailbox chan *core.Message
	unsubs  []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a runtime around an executor. Start must be called before
// the agent receives anything.
func New(id, name string, exec Executor, b bus.Bus, opts Options) *Runtime {
	r := &Runtime{
		id:       id,
		name:     name,
		exec:     exec,
		bus:      b,
		opts:     opts.withDefaults(),
		log:      slog.With("agent", id, "role", exec.Role()),
		state:    core.StateIdle,
		handlers: make(map[string]Handler),
	}
	r.mailbox = make(chan *core.Message, r.opts.MailboxSize)

	r.Handle(core.MsgTaskAssignment, r.handleAssignment)
	return r
}

func (r *Runtime) ID() string   { return r.id }
func (r *Runtime) Name() string { return r.name }
func (r *Runtime) Role() string { return r.exec.Role() }

func (r *Runtime) Capabilities() []core.Capability { return r.exec.Capabilities() }

// Handle registers a handler for a message type tag, replacing any
// previous one. Concrete agent variants use this to add their own
// message protocols.
func (r *Runtime) Handle(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// Start registers the agent on the bus, subscribes its mailbox and the
// broadcast channel, and begins the intake and heartbeat loops.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.bus.Register(r.id, bus.AgentChannel(r.id)); err != nil {
		return fmt.Errorf("register agent %s: %w", r.id, err)
	}

	enqueue := func(msg *core.Message) {
		if msg.SenderID == r.id {
			return // own broadcasts come back around
		}
		select {
		case r.mailbox <- msg:
		default:
			r.log.Warn("mailbox full, dropping message", "type", msg.Type, "from", msg.SenderID)
			if msg.Type == core.MsgTaskAssignment {
				r.rejectAssignment(msg)
			}
		}
	}

	for _, channel := range []string{bus.AgentChannel(r.id), bus.BroadcastChannel} {
		unsub, err := r.bus.Subscribe(channel, enqueue)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		r.unsubs = append(r.unsubs, unsub)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.setState(core.StateIdle)

	r.wg.Add(2)
	go r.intake(runCtx)
	go r.heartbeat(runCtx)

	caps := make([]string, 0, len(r.exec.Capabilities()))
	for _, c := range r.exec.Capabilities() {
		caps = append(caps, string(c))
	}
	_ = r.bus.Publish(core.NewMessage(r.id, "orchestrator", core.MsgAgentReady, map[string]any{
		"agent_id":     r.id,
		"role":         r.exec.Role(),
		"capabilities": caps,
	}))

	r.log.Info("agent started")
	return nil
}

// Stop ends both loops and marks the agent offline. The instance is
// terminal after this; a replacement gets a fresh Runtime.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	r.wg.Wait()
	r.setState(core.StateOffline)
	_ = r.bus.Unregister(r.id)
	r.log.Info("agent stopped")
}

// intake drains the mailbox, dispatching each message to the handler
// keyed by its type tag. One message at a time, in arrival order.
func (r *Runtime) intake(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.mailbox:
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, msg *core.Message) {
	r.mu.Lock()
	h, ok := r.handlers[msg.Type]
	r.mu.Unlock()
	if !ok {
		r.log.Debug("no handler for message type", "type", msg.Type, "from", msg.SenderID)
		return
	}
	h(ctx, msg)
}

// rejectAssignment turns a dropped assignment into an immediate failure
// report so the coordinator's retry policy re-routes the task instead of
// leaving it assigned to an agent that never saw it.
func (r *Runtime) rejectAssignment(msg *core.Message) {
	task, err := core.DecodeTask(msg.Content["task"])
	if err != nil {
		r.log.Error("bad task assignment", "error", err)
		return
	}
	_ = r.bus.Publish(core.NewMessage(r.id, "orchestrator", core.MsgTaskFailed, map[string]any{
		"task_id":  task.ID,
		"agent_id": r.id,
		"error":    "agent mailbox full",
	}))
}

func (r *Runtime) handleAssignment(ctx context.Context, msg *core.Message) {
	task, err := core.DecodeTask(msg.Content["task"])
	if err != nil {
		r.log.Error("bad task assignment", "error", err)
		return
	}
	r.ExecuteTask(ctx, task)
}

// heartbeat periodically reports state and the active task id to the
// coordinator. The first report goes out immediately.
func (r *Runtime) heartbeat(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	r.reportStatus()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportStatus()
		}
	}
}

func (r *Runtime) reportStatus() {
	r.mu.Lock()
	state := r.state
	taskID := ""
	if r.currentTask != nil {
		taskID = r.currentTask.ID
	}
	r.mu.Unlock()

	caps := make([]string, 0, len(r.exec.Capabilities()))
	for _, c := range r.exec.Capabilities() {
		caps = append(caps, string(c))
	}

	_ = r.bus.Publish(core.NewMessage(r.id, "orchestrator", core.MsgStatusUpdate, map[string]any{
		"agent_id":     r.id,
		"state":        string(state),
		"current_task": taskID,
		"capabilities": caps,
	}))
}

// ExecuteTask runs the executor on a task and always reports the
// outcome to the coordinator, even when the executor faults: the
// report, context log entry, history append, and state reset sit
// behind a deferred cleanup.
func (r *Runtime) ExecuteTask(ctx context.Context, task *core.Task) {
	r.mu.Lock()
	r.state = core.StateWorking
	r.currentTask = task
	r.mu.Unlock()

	r.log.Info("task started", "task", task.ID, "title", task.Title)
	r.addContext(ContextEntry{Type: "task_start", Summary: "Started task: " + task.Title, TaskID: task.ID})

	var result map[string]any
	var execErr error

	defer func() {
		if p := recover(); p != nil {
			execErr = fmt.Errorf("executor panic: %v", p)
		}
		r.finishTask(task, result, execErr)
	}()

	result, execErr = r.exec.Execute(ctx, task)
}

func (r *Runtime) finishTask(task *core.Task, result map[string]any, execErr error) {
	now := time.Now().UTC()
	content := map[string]any{
		"task_id":  task.ID,
		"agent_id": r.id,
	}

	var msgType string
	if execErr != nil {
		task.Status = core.TaskFailed
		content["error"] = execErr.Error()
		msgType = core.MsgTaskFailed
		r.addContext(ContextEntry{Type: "task_failed", Summary: "Failed task: " + task.Title + " - " + execErr.Error(), TaskID: task.ID})
		r.log.Error("task failed", "task", task.ID, "error", execErr)
	} else {
		task.Status = core.TaskCompleted
		task.CompletedAt = &now
		task.Result = result
		content["result"] = result
		msgType = core.MsgTaskCompleted
		r.addContext(ContextEntry{Type: "task_complete", Summary: "Completed task: " + task.Title, TaskID: task.ID})
		r.log.Info("task completed", "task", task.ID)
	}

	r.mu.Lock()
	r.history = append(r.history, *task)
	if len(r.history) > r.opts.HistorySize {
		r.history = r.history[len(r.history)-r.opts.HistorySize:]
	}
	r.currentTask = nil
	if r.state == core.StateWorking {
		r.state = core.StateIdle
	}
	r.mu.Unlock()

	_ = r.bus.Publish(core.NewMessage(r.id, "orchestrator", msgType, content))
}

// RequestAssistance asks the coordinator for another agent with the
// given capability. Returns the helper's response content, or nil when
// no helper was found or the request timed out.
func (r *Runtime) RequestAssistance(capability core.Capability, context map[string]any, timeout time.Duration) (map[string]any, error) {
	msg := core.NewMessage(r.id, "orchestrator", core.MsgAssistanceRequest, map[string]any{
		"requesting_agent":  r.id,
		"capability_needed": string(capability),
		"context":           context,
	})

	reply, err := r.bus.Request(msg, timeout)
	if errors.Is(err, bus.ErrNoResponse) {
		r.log.Warn("assistance request timed out", "capability", capability)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("assistance request: %w", err)
	}
	if core.ContentString(reply.Content, "status") != "success" {
		return nil, nil
	}
	return reply.Content, nil
}

// State returns the current lifecycle state.
func (r *Runtime) State() core.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState overrides the lifecycle state. Used by the coordinator's
// health monitor to mark unresponsive agents offline or faulted.
func (r *Runtime) SetState(s core.AgentState) {
	r.setState(s)
}

func (r *Runtime) setState(s core.AgentState) {
	r.mu.Lock()
	old := r.state
	r.state = s
	r.mu.Unlock()
	if old != s {
		r.log.Info("state changed", "from", old, "to", s)
	}
}

// CurrentTaskID returns the id of the task being executed, or "".
func (r *Runtime) CurrentTaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTask == nil {
		return ""
	}
	return r.currentTask.ID
}

// History returns a copy of the bounded local task history. This is a
// convenience record, not the authoritative task journal.
func (r *Runtime) History() []core.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Task, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Runtime) addContext(e ContextEntry) {
	e.Time = time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contextLog = append(r.contextLog, e)
	if len(r.contextLog) > r.opts.ContextSize {
		r.contextLog = r.contextLog[len(r.contextLog)-r.opts.ContextSize:]
	}
}

// ContextSummary renders the most recent context log entries, newest
// last, for executors that want to carry recent history into a task.
func (r *Runtime) ContextSummary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contextLog) == 0 {
		return "No previous context."
	}
	entries := r.contextLog
	if len(entries) > 5 {
		entries = entries[len(entries)-5:]
	}
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += "\n"
		}
		out += "- " + e.Type + ": " + e.Summary
	}
	return out
}
