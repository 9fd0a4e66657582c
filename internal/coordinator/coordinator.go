// Package coordinator routes tasks to agents by capability, tracks
// in-flight work, retries and escalates failures, and keeps the agent
// pool healthy.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkefalas/agora/internal/agent"
	"github.com/mkefalas/agora/internal/bus"
	"github.com/mkefalas/agora/internal/config"
	"github.com/mkefalas/agora/internal/core"
	"github.com/mkefalas/agora/internal/store"
)

// DeferredQueue holds tasks that found no eligible agent at assignment
// time; a periodic drain loop retries them.
const DeferredQueue = "deferred"

// ExecutorFactory builds a fresh executor for an agent class. A
// restart produces a new instance with the same identity.
type ExecutorFactory func() agent.Executor

type agentEntry struct {
	runtime *agent.Runtime
	class   string
}

// Coordinator owns the authoritative task state. All mutations of the
// registry and the task maps happen on the single message loop or
// under the coordinator mutex, so a given task or agent record is
// mutated by at most one operation at a time.
type Coordinator struct {
	bus       bus.Bus
	store     *store.Store // optional journal, may be nil
	cfg       config.CoordinatorConfig
	agentOpts agent.Options

	mu          sync.Mutex
	agents      map[string]*agentEntry
	pool        map[core.Capability][]string
	tasks       map[string]*core.Task // pending, blocked, assigned, in retry
	completed   map[string]*core.Task
	retryTimers map[string]*time.Timer
	factories   map[string]ExecutorFactory
	capClass    map[core.Capability]string
	metrics     Metrics
	accepting   bool

	baseCtx context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan *core.Message
	unsubs  []func()
	wg      sync.WaitGroup
}

// New builds a coordinator on a bus. The store may be nil when no
// durable journal is wanted.
func New(b bus.Bus, s *store.Store, cfg config.CoordinatorConfig, agentOpts agent.Options) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.QueueDrainInterval <= 0 {
		cfg.QueueDrainInterval = 5 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.AssistTimeout <= 0 {
		cfg.AssistTimeout = 30 * time.Second
	}

	return &Coordinator{
		bus:         b,
		store:       s,
		cfg:         cfg,
		agentOpts:   agentOpts,
		agents:      make(map[string]*agentEntry),
		pool:        make(map[core.Capability][]string),
		tasks:       make(map[string]*core.Task),
		completed:   make(map[string]*core.Task),
		retryTimers: make(map[string]*time.Timer),
		factories:   make(map[string]ExecutorFactory),
		capClass:    make(map[core.Capability]string),
		inbox:       make(chan *core.Message, 256),
	}
}

// RegisterClass makes an agent class spawnable and maps its
// capabilities to the class for auto-recruitment.
func (c *Coordinator) RegisterClass(class string, factory ExecutorFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[class] = factory
	for _, cap := range factory().Capabilities() {
		if _, ok := c.capClass[cap]; !ok {
			c.capClass[cap] = class
		}
	}
}

// Start subscribes the coordinator's control channel and begins the
// message, queue-drain, and health-monitor loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.baseCtx = ctx
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.bus.Register("orchestrator", bus.OrchestratorChannel); err != nil {
		return fmt.Errorf("register coordinator: %w", err)
	}

	unsub, err := c.bus.Subscribe(bus.OrchestratorChannel, func(msg *core.Message) {
		select {
		case c.inbox <- msg:
		case <-c.ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.OrchestratorChannel, err)
	}
	c.unsubs = append(c.unsubs, unsub)

	c.mu.Lock()
	c.accepting = true
	c.mu.Unlock()

	c.wg.Add(3)
	go c.loop()
	go c.drainLoop()
	go c.healthLoop()

	if c.bus.Degraded() {
		slog.Warn("coordinator running on degraded transport: in-process delivery only")
	}
	slog.Info("coordinator started",
		"max_retries", c.cfg.MaxRetries,
		"retry_backoff", c.cfg.RetryBackoff,
		"health_interval", c.cfg.HealthInterval)
	return nil
}

// Stop shuts down in order: stop accepting new tasks, cancel pending
// retries, end the loops, then signal every agent to stop. The caller
// closes the bus and store afterwards.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.accepting = false
	for id, timer := range c.retryTimers {
		timer.Stop()
		delete(c.retryTimers, id)
	}
	runtimes := make([]*agent.Runtime, 0, len(c.agents))
	for _, e := range c.agents {
		runtimes = append(runtimes, e.runtime)
	}
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.wg.Wait()

	for _, rt := range runtimes {
		rt.Stop()
	}

	slog.Info("coordinator stopped")
}

// loop serializes all control-channel messages: completion and failure
// reports, status updates, assistance requests.
func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.inbox:
			c.handleMessage(msg)
		}
	}
}

func (c *Coordinator) handleMessage(msg *core.Message) {
	if c.store != nil {
		_ = c.store.SaveMessage(msg)
	}

	switch msg.Type {
	case core.MsgAgentReady:
		slog.Info("agent ready",
			"agent", core.ContentString(msg.Content, "agent_id"),
			"role", core.ContentString(msg.Content, "role"))
	case core.MsgTaskCompleted:
		c.onTaskCompleted(core.ContentString(msg.Content, "task_id"), anyMap(msg.Content["result"]))
	case core.MsgTaskFailed:
		c.onTaskFailed(core.ContentString(msg.Content, "task_id"), core.ContentString(msg.Content, "error"))
	case core.MsgAssistanceRequest:
		c.onAssistanceRequest(msg)
	case core.MsgStatusUpdate:
		c.onStatusUpdate(msg.Content)
	default:
		slog.Debug("unhandled control message", "type", msg.Type, "from", msg.SenderID)
	}
}

// drainLoop periodically retries deferred tasks.
func (c *Coordinator) drainLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.QueueDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.drainDeferred()
		}
	}
}

// healthLoop periodically reconciles agent health.
func (c *Coordinator) healthLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.monitorHealth()
		}
	}
}

// publishEvent emits a broadcast event for external observers.
func (c *Coordinator) publishEvent(name string, data map[string]any) {
	_ = c.bus.Publish(core.NewMessage("orchestrator", "", core.EventType(name), data))
}

func (c *Coordinator) saveTask(t *core.Task) {
	if c.store != nil {
		if err := c.store.SaveTask(t); err != nil {
			slog.Error("task journal write failed", "task", t.ID, "error", err)
		}
	}
}

func anyMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}
