package coordinator

import "github.com/mkefalas/agora/internal/core"

// Metrics are cumulative counters maintained under the coordinator
// mutex.
type Metrics struct {
	TasksAssigned  int64 `json:"tasks_assigned"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksEscalated int64 `json:"tasks_escalated"`
	AgentsSpawned  int64 `json:"agents_spawned"`
}

// Snapshot returns the counters plus current gauges.
func (c *Coordinator) Snapshot() map[string]any {
	queued, _ := c.bus.QueueLen(DeferredQueue)

	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for _, e := range c.agents {
		if e.runtime.State() != core.StateOffline {
			active++
		}
	}

	return map[string]any{
		"tasks_assigned":  c.metrics.TasksAssigned,
		"tasks_completed": c.metrics.TasksCompleted,
		"tasks_failed":    c.metrics.TasksFailed,
		"tasks_escalated": c.metrics.TasksEscalated,
		"agents_spawned":  c.metrics.AgentsSpawned,
		"tasks_tracked":   len(c.tasks),
		"tasks_deferred":  queued,
		"agents_active":   active,
		"degraded":        c.bus.Degraded(),
	}
}
