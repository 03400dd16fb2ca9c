package api

import (
	"net/http"
)

// History endpoints read from the PostgreSQL mirror instead of the in-memory
// core, so the dashboard can show projects from before the last restart.

// handleHistoryProjects handles GET /api/v1/history/projects.
func (s *Server) handleHistoryProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	db := s.core.Database()
	if db == nil {
		s.respondError(w, http.StatusServiceUnavailable, "History requires the database mirror")
		return
	}

	projects, err := db.LoadProjects(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"projects": projects,
		"count":    len(projects),
	})
}

// handleHistoryProject handles GET /api/v1/history/projects/{id}/tasks.
func (s *Server) handleHistoryProject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	db := s.core.Database()
	if db == nil {
		s.respondError(w, http.StatusServiceUnavailable, "History requires the database mirror")
		return
	}

	id := s.extractID(r.URL.Path, "/api/v1/history/projects")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Project ID required")
		return
	}
	if action := s.extractAction(r.URL.Path, "/api/v1/history/projects"); action != "tasks" {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}

	tasks, err := db.LoadTasks(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": id,
		"tasks":      tasks,
		"count":      len(tasks),
	})
}
