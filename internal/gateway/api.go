package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hollowbit/taskdeck/internal/router"
	"github.com/hollowbit/taskdeck/internal/store"
)

const maxBodyBytes = 1 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// handleActions is the single mutating entry point shared with the chat
// channels: the body is a router action, validated there.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var action router.Action
	if !s.decode(w, r, &action) {
		return
	}
	res, err := s.cfg.Actions.Dispatch(r.Context(), action)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		projects, err := s.cfg.Store.ListProjects(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
	case http.MethodPost:
		var p store.Project
		if !s.decode(w, r, &p) {
			return
		}
		if err := s.cfg.Store.CreateProject(r.Context(), &p); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	projectID := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	if projectID == "" || strings.Contains(projectID, "/") {
		http.Error(w, "project id required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := s.cfg.Store.GetProject(r.Context(), projectID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		var p store.Project
		if !s.decode(w, r, &p) {
			return
		}
		p.ID = projectID
		if err := s.cfg.Store.UpdateProject(r.Context(), &p); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := s.cfg.Store.DeleteProject(r.Context(), projectID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		filter := store.TaskFilter{
			ProjectID:       r.URL.Query().Get("project"),
			Status:          store.Status(r.URL.Query().Get("status")),
			IncludeArchived: r.URL.Query().Get("include_archived") == "true",
			Limit:           50,
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				filter.Limit = n
			}
		}
		tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
	case http.MethodPost:
		// Creation funnels through the action router so API and chat
		// clients share validation.
		body, err := readRawBody(w, r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		res, err := s.cfg.Actions.Dispatch(r.Context(), router.Action{
			Kind:    router.KindCreate,
			Payload: body,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res.Task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func readRawBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return raw, nil
}

// handleTaskSubtree routes /api/tasks/{id}[/logs|/archive|/terminal].
func (s *Server) handleTaskSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	// The terminal endpoint authorizes via query token as well, since
	// browser WebSocket clients cannot set headers.
	if sub == "terminal" {
		s.handleTaskTerminal(w, r, taskID)
		return
	}

	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case sub == "" && r.Method == http.MethodPatch:
		var upd struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		}
		if !s.decode(w, r, &upd) {
			return
		}
		if err := s.cfg.Store.UpdateTaskFields(r.Context(), taskID, upd.Title, upd.Body); err != nil {
			s.writeError(w, err)
			return
		}
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case sub == "" && r.Method == http.MethodDelete:
		if err := s.cfg.Store.PurgeTask(r.Context(), taskID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case sub == "logs" && r.Method == http.MethodGet:
		logs, err := s.cfg.Store.ListTaskLogs(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
	case sub == "archive" && r.Method == http.MethodPost:
		if err := s.cfg.Store.ArchiveTask(r.Context(), taskID); err != nil {
			s.writeError(w, err)
			return
		}
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleTaskTypes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		types, err := s.cfg.Store.ListTaskTypes(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_types": types})
	case http.MethodPost:
		var tt store.TaskType
		if !s.decode(w, r, &tt) {
			return
		}
		if err := s.cfg.Store.CreateTaskType(r.Context(), &tt); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tt)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskTypeByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tasktypes/")
	if id == "" {
		http.Error(w, "task type id required", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Store.DeleteTaskType(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMemories serves scoped key/value notes. Scope is addressed by
// query params so project and task memories share one endpoint.
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	scopeKind := r.URL.Query().Get("scope_kind")
	scopeID := r.URL.Query().Get("scope_id")

	switch r.Method {
	case http.MethodGet:
		if key := r.URL.Query().Get("key"); key != "" {
			m, err := s.cfg.Store.GetMemory(r.Context(), scopeKind, scopeID, key)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, m)
			return
		}
		memories, err := s.cfg.Store.ListMemories(r.Context(), scopeKind, scopeID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
	case http.MethodPut:
		var m store.Memory
		if !s.decode(w, r, &m) {
			return
		}
		if err := s.cfg.Store.SetMemory(r.Context(), m.ScopeKind, m.ScopeID, m.Key, m.Value); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.cfg.Store.DeleteMemory(r.Context(), scopeKind, scopeID, r.URL.Query().Get("key")); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
