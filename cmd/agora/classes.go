package main

import (
	"context"
	"fmt"

	"github.com/mkefalas/agora/internal/agent"
	"github.com/mkefalas/agora/internal/config"
	"github.com/mkefalas/agora/internal/coordinator"
	"github.com/mkefalas/agora/internal/core"
)

func agentOptions(cfg config.AgentConfig) agent.Options {
	return agent.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ContextSize:       cfg.ContextSize,
		HistorySize:       cfg.HistorySize,
		MailboxSize:       cfg.MailboxSize,
	}
}

// registerClasses installs the built-in agent classes. Their executors
// acknowledge the work and echo a summary; wire a real execution
// backend here to make agents do something useful.
func registerClasses(c *coordinator.Coordinator) {
	classes := map[string][]core.Capability{
		"developer":       {core.CapCodeGeneration, core.CapCodeReview},
		"tester":          {core.CapTesting},
		"architect":       {core.CapArchitecture},
		"writer":          {core.CapDocumentation},
		"operator":        {core.CapDeployment},
		"project_manager": {core.CapProjectManagement},
	}

	for class, caps := range classes {
		c.RegisterClass(class, func() agent.Executor {
			return agent.NewExecutor(class, caps, acknowledge)
		})
	}
}

func acknowledge(ctx context.Context, task *core.Task) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]any{
		"status":  "acknowledged",
		"summary": fmt.Sprintf("handled %q", task.Title),
	}, nil
}
