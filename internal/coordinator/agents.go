package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkefalas/agora/internal/agent"
	"github.com/mkefalas/agora/internal/core"
	"github.com/mkefalas/agora/internal/store"
)

// SpawnAgent creates and starts an agent of a registered class. An
// empty id gets a generated one; restarts reuse the old identity.
func (c *Coordinator) SpawnAgent(class, id string) (*agent.Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawnLocked(class, id)
}

func (c *Coordinator) spawnLocked(class, id string) (*agent.Runtime, error) {
	factory, ok := c.factories[class]
	if !ok {
		return nil, fmt.Errorf("spawn agent: unknown class %q", class)
	}
	if id == "" {
		id = class + "-" + uuid.New().String()[:8]
	}
	if _, exists := c.agents[id]; exists {
		return nil, fmt.Errorf("spawn agent: id %s already registered", id)
	}

	ctx := c.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	rt := agent.New(id, id, factory(), c.bus, c.agentOpts)
	if err := rt.Start(ctx); err != nil {
		return nil, fmt.Errorf("spawn agent %s: %w", id, err)
	}

	c.agents[id] = &agentEntry{runtime: rt, class: class}
	for _, cap := range rt.Capabilities() {
		c.pool[cap] = append(c.pool[cap], id)
	}
	c.metrics.AgentsSpawned++

	if c.store != nil {
		caps := make([]core.Capability, 0, len(rt.Capabilities()))
		caps = append(caps, rt.Capabilities()...)
		_ = c.store.SaveAgent(&store.AgentRecord{
			ID:           id,
			Name:         rt.Name(),
			Role:         rt.Role(),
			Capabilities: caps,
			State:        core.StateIdle,
			UpdatedAt:    time.Now().UTC(),
		})
	}

	slog.Info("agent spawned", "agent", id, "class", class, "role", rt.Role())
	c.publishEvent("agent_spawned", map[string]any{"agent_id": id, "class": class, "role": rt.Role()})
	return rt, nil
}

// Agent returns a running agent's runtime by id, or nil.
func (c *Coordinator) Agent(id string) *agent.Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.agents[id]; ok {
		return e.runtime
	}
	return nil
}

// Agents returns the runtimes of every registered agent.
func (c *Coordinator) Agents() []*agent.Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*agent.Runtime, 0, len(c.agents))
	for _, e := range c.agents {
		out = append(out, e.runtime)
	}
	return out
}

// findIdleLocked returns the first idle agent with the capability,
// skipping exclude. Caller holds the mutex.
func (c *Coordinator) findIdleLocked(cap core.Capability, exclude string) string {
	for _, id := range c.pool[cap] {
		if id == exclude {
			continue
		}
		e, ok := c.agents[id]
		if ok && e.runtime.State() == core.StateIdle {
			return id
		}
	}
	return ""
}

// findByRoleLocked returns the first agent with the given role that is
// not offline. Caller holds the mutex.
func (c *Coordinator) findByRoleLocked(role string) string {
	for id, e := range c.agents {
		if e.runtime.Role() == role && e.runtime.State() != core.StateOffline {
			return id
		}
	}
	return ""
}

// monitorHealth reconciles the registry against the transport's online
// set, marking vanished agents offline and replacing errored ones with
// a fresh instance under the same identity.
func (c *Coordinator) monitorHealth() {
	online, err := c.bus.OnlineAgents()
	if err != nil {
		slog.Error("health check: online set unavailable", "error", err)
		return
	}
	onlineSet := make(map[string]struct{}, len(online))
	for _, id := range online {
		onlineSet[id] = struct{}{}
	}

	type restart struct{ id, class string }
	var restarts []restart

	c.mu.Lock()
	for id, e := range c.agents {
		state := e.runtime.State()
		if _, ok := onlineSet[id]; !ok && state != core.StateOffline {
			e.runtime.SetState(core.StateOffline)
			if c.store != nil {
				_ = c.store.UpdateAgentState(id, core.StateOffline)
			}
			slog.Warn("agent went offline", "agent", id)
			c.publishEvent("agent_offline", map[string]any{"agent_id": id})
			continue
		}
		if state == core.StateError {
			restarts = append(restarts, restart{id: id, class: e.class})
		}
	}
	c.mu.Unlock()

	for _, r := range restarts {
		c.restartAgent(r.id, r.class)
	}
}

// restartAgent stops a failed agent and spawns a replacement with the
// same id and class. The replacement starts idle.
func (c *Coordinator) restartAgent(id, class string) {
	c.mu.Lock()
	e, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.agents, id)
	c.removeFromPoolLocked(id)
	c.mu.Unlock()

	slog.Warn("restarting errored agent", "agent", id, "class", class)
	e.runtime.Stop()

	c.mu.Lock()
	_, err := c.spawnLocked(class, id)
	c.mu.Unlock()
	if err != nil {
		slog.Error("agent restart failed", "agent", id, "error", err)
		return
	}
	c.publishEvent("agent_restarted", map[string]any{"agent_id": id, "class": class})
}

// removeFromPoolLocked drops an agent id from every capability bucket.
// Caller holds the mutex.
func (c *Coordinator) removeFromPoolLocked(id string) {
	for cap, ids := range c.pool {
		kept := ids[:0]
		for _, v := range ids {
			if v != id {
				kept = append(kept, v)
			}
		}
		c.pool[cap] = kept
	}
}
