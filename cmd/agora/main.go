package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkefalas/agora/internal/bus"
	"github.com/mkefalas/agora/internal/config"
	"github.com/mkefalas/agora/internal/coordinator"
	"github.com/mkefalas/agora/internal/store"
	"github.com/mkefalas/agora/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("agora %s\n", version)
	case "daemon":
		if err := runDaemon(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: agora <command>\n\nCommands:\n  daemon     Start the Agora coordinator daemon\n  backup     Archive the data directory\n  restore    Restore a data directory archive\n  version    Print version\n")
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting agora daemon", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite journal
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Transport
	b, err := bus.Connect(ctx, cfg.Bus)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	defer b.Close()
	slog.Info("bus connected", "backend", cfg.Bus.Backend, "degraded", b.Degraded())

	// Coordinator
	coord := coordinator.New(b, db, cfg.Coordinator, agentOptions(cfg.Agent))
	registerClasses(coord)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	// Initial agent pool
	for _, spec := range cfg.Pool {
		for i := 0; i < spec.Count; i++ {
			if _, err := coord.SpawnAgent(spec.Class, ""); err != nil {
				return fmt.Errorf("spawn initial pool: %w", err)
			}
		}
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, b, coord, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	// Coordinator first so agents drain, then web/bus via cancel and
	// the deferred closes.
	coord.Stop()
	cancel()
	return nil
}
