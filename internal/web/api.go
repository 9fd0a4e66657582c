package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mkefalas/agora/internal/core"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.spawnAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("GET /api/agents/{id}/messages", s.getAgentMessages)

	// System
	mux.HandleFunc("GET /api/metrics", s.getMetrics)
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := core.TaskStatus(r.URL.Query().Get("status"))

	tasks := s.coord.Tasks()
	out := make([]*core.Task, 0, len(tasks))
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	jsonResponse(w, out)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title        string         `json:"title"`
		Description  string         `json:"description"`
		Capability   string         `json:"capability"`
		Dependencies []string       `json:"dependencies"`
		Priority     int            `json:"priority"`
		Metadata     map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Title == "" {
		jsonError(w, "title is required", http.StatusBadRequest)
		return
	}

	task := core.NewTask(body.Title, body.Description)
	task.DependsOn = body.Dependencies
	if body.Priority > 0 {
		task.Priority = body.Priority
	}
	for k, v := range body.Metadata {
		task.Metadata[k] = v
	}
	if body.Capability != "" {
		task.Metadata["capability"] = body.Capability
	}

	if err := s.coord.SubmitTask(task); err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if t := s.coord.Task(id); t != nil {
		jsonResponse(w, t)
		return
	}
	// Fall back to the journal for tasks from earlier runs.
	if s.store != nil {
		if t, err := s.store.GetTask(id); err == nil && t != nil {
			jsonResponse(w, t)
			return
		}
	}
	jsonError(w, "task not found", http.StatusNotFound)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.coord.Agents()
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentToAPI(a.ID(), a.Role(), string(a.State()), a.CurrentTaskID(), a.Capabilities()))
	}
	jsonResponse(w, out)
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Class string `json:"class"`
		ID    string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Class == "" {
		jsonError(w, "class is required", http.StatusBadRequest)
		return
	}

	rt, err := s.coord.SpawnAgent(body.Class, body.ID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, agentToAPI(rt.ID(), rt.Role(), string(rt.State()), rt.CurrentTaskID(), rt.Capabilities()))
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rt := s.coord.Agent(id)
	if rt == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, agentToAPI(rt.ID(), rt.Role(), string(rt.State()), rt.CurrentTaskID(), rt.Capabilities()))
}

func (s *Server) getAgentMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []core.Message{})
		return
	}
	msgs, err := s.store.GetMessages(r.PathValue("id"), 100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, msgs)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.Snapshot())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version":  s.version,
		"uptime":   formatUptime(time.Since(s.startedAt)),
		"degraded": s.bus.Degraded(),
	})
}

func agentToAPI(id, role, state, taskID string, caps []core.Capability) map[string]any {
	m := map[string]any{
		"id":           id,
		"role":         role,
		"state":        state,
		"capabilities": caps,
	}
	if taskID != "" {
		m["current_task"] = taskID
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
