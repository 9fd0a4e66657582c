package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mkefalas/agora/internal/config"
)

// Connect builds the bus backend named by cfg.Backend. When the redis
// backend is selected but unreachable, delivery degrades to in-memory:
// logged, flagged via Degraded, not fatal.
func Connect(ctx context.Context, cfg config.BusConfig) (Bus, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		b, err := NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("bus: redis unreachable, falling back to in-memory delivery", "url", cfg.RedisURL, "error", err)
			return NewMemory().markDegraded(), nil
		}
		return b, nil
	case "nats":
		b, err := NewNATS(NATSOptions{Port: cfg.NATSPort, DataDir: cfg.NATSDataDir})
		if err != nil {
			slog.Warn("bus: embedded nats failed to start, falling back to in-memory delivery", "error", err)
			return NewMemory().markDegraded(), nil
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}
