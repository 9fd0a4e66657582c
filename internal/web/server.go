// Package web exposes the coordinator over HTTP: a JSON API for tasks,
// agents, and metrics, plus a WebSocket feed of broadcast events.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mkefalas/agora/internal/bus"
	"github.com/mkefalas/agora/internal/config"
	"github.com/mkefalas/agora/internal/coordinator"
	"github.com/mkefalas/agora/internal/core"
	"github.com/mkefalas/agora/internal/store"
)

type Server struct {
	store     *store.Store
	bus       bus.Bus
	coord     *coordinator.Coordinator
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	unsub func()
}

func NewServer(s *store.Store, b bus.Bus, c *coordinator.Coordinator, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		bus:       b,
		coord:     c,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		if s.unsub != nil {
			s.unsub()
		}
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// subscribeEvents forwards coordinator broadcast events to the
// WebSocket hub.
func (s *Server) subscribeEvents() {
	unsub, err := s.bus.Subscribe(bus.BroadcastChannel, func(msg *core.Message) {
		name, ok := strings.CutPrefix(msg.Type, "event:")
		if !ok {
			return
		}
		s.hub.Broadcast(Event{Type: name, Payload: msg.Content})
	})
	if err != nil {
		slog.Error("event subscription failed", "error", err)
		return
	}
	s.unsub = unsub
}
