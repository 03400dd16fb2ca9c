package api

import (
	"net/http"
)

// handleProjects handles GET and POST /api/v1/projects.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, s.core.Projects().List())

	case http.MethodPost:
		var req struct {
			Name         string `json:"name"`
			Description  string `json:"description"`
			Requirements string `json:"requirements"`
			CreatedBy    string `json:"created_by"`
		}
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Name == "" {
			s.respondError(w, http.StatusBadRequest, "name is required")
			return
		}

		p, err := s.core.CreateProject(r.Context(), req.Name, req.Description, req.Requirements, req.CreatedBy)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, p)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleProject handles /api/v1/projects/{id} and its sub-resources.
func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/projects"
	id := s.extractID(r.URL.Path, prefix)
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Project ID required")
		return
	}

	switch s.extractAction(r.URL.Path, prefix) {
	case "":
		s.handleProjectByID(w, r, id)
	case "cancel":
		s.handleCancelProject(w, r, id)
	case "approve":
		s.handleApproveProject(w, r, id)
	case "tasks":
		s.handleProjectTasks(w, r, id)
	case "progress":
		s.handleProjectProgress(w, r, id)
	default:
		s.respondError(w, http.StatusNotFound, "Unknown action")
	}
}

// handleProjectByID handles GET and DELETE /api/v1/projects/{id}.
func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.core.Projects().Get(id)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, p)

	case http.MethodDelete:
		if err := s.core.Projects().Delete(id); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleCancelProject handles POST /api/v1/projects/{id}/cancel.
func (s *Server) handleCancelProject(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.core.CancelProject(id); err != nil {
		s.respondDomainError(w, err)
		return
	}

	p, err := s.core.Projects().Get(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

// handleApproveProject handles POST /api/v1/projects/{id}/approve.
func (s *Server) handleApproveProject(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.core.ApproveProject(id); err != nil {
		s.respondDomainError(w, err)
		return
	}

	p, err := s.core.Projects().Get(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

// handleProjectTasks handles GET /api/v1/projects/{id}/tasks.
func (s *Server) handleProjectTasks(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if _, err := s.core.Projects().Get(id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.core.Queue().TasksByProject(id))
}

// handleProjectProgress handles GET /api/v1/projects/{id}/progress.
func (s *Server) handleProjectProgress(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	progress, err := s.core.Progress(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, progress)
}
