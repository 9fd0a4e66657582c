// Package agent provides the generic runtime shell around a
// capability-specific task executor: ordered message intake, the task
// execution wrapper, heartbeats, and the bounded context log. Domain
// logic plugs in through the Executor interface.
package agent

import (
	"context"

	"github.com/mkefalas/agora/internal/core"
)

// Executor is the seam where capability-specific work plugs in. The
// coordinator and runtime only ever depend on this interface, never on
// concrete variants.
type Executor interface {
	// Role labels the agent variant (developer, tester, ...).
	Role() string

	// Capabilities declares what kinds of task this executor accepts.
	Capabilities() []core.Capability

	// Execute runs the task body and returns a structured result, or
	// an error when the work failed.
	Execute(ctx context.Context, task *core.Task) (map[string]any, error)
}

// ExecFunc is the body of a function-backed executor.
type ExecFunc func(ctx context.Context, task *core.Task) (map[string]any, error)

type funcExecutor struct {
	role string
	caps []core.Capability
	fn   ExecFunc
}

// NewExecutor wraps a function as an Executor.
func NewExecutor(role string, caps []core.Capability, fn ExecFunc) Executor {
	return &funcExecutor{role: role, caps: caps, fn: fn}
}

func (e *funcExecutor) Role() string                   { return e.role }
func (e *funcExecutor) Capabilities() []core.Capability { return e.caps }

func (e *funcExecutor) Execute(ctx context.Context, task *core.Task) (map[string]any, error) {
	return e.fn(ctx, task)
}
