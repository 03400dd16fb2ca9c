package api

import (
	"net/http"
)

// handleAgents handles GET /api/v1/agents.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.core.Registry().List())
}

// handleAgent handles /api/v1/agents/{id} and its sub-resources.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/agents"
	id := s.extractID(r.URL.Path, prefix)
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Agent ID required")
		return
	}

	switch s.extractAction(r.URL.Path, prefix) {
	case "":
		s.handleAgentByID(w, r, id)
	case "stats":
		s.handleAgentStats(w, r, id)
	case "recover":
		s.handleAgentRecover(w, r, id)
	case "offline":
		s.handleAgentOffline(w, r, id)
	case "online":
		s.handleAgentOnline(w, r, id)
	default:
		s.respondError(w, http.StatusNotFound, "Unknown action")
	}
}

// handleAgentByID handles GET /api/v1/agents/{id}.
func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	agent, err := s.core.Registry().Get(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, agent)
}

// handleAgentStats handles GET /api/v1/agents/{id}/stats.
func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := s.core.AgentStats(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// handleAgentRecover handles POST /api/v1/agents/{id}/recover, returning an
// errored agent to the idle pool.
func (s *Server) handleAgentRecover(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.core.Registry().Recover(id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.wakeAndRespond(w, id)
}

// handleAgentOffline handles POST /api/v1/agents/{id}/offline.
func (s *Server) handleAgentOffline(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.core.Registry().MarkOffline(id); err != nil {
		s.respondDomainError(w, err)
		return
	}

	agent, _ := s.core.Registry().Get(id)
	if agent != nil {
		s.core.Metrics().SetAgentStatus(agent)
	}
	s.respondJSON(w, http.StatusOK, agent)
}

// handleAgentOnline handles POST /api/v1/agents/{id}/online.
func (s *Server) handleAgentOnline(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.core.Registry().MarkOnline(id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.wakeAndRespond(w, id)
}

// wakeAndRespond nudges the dispatcher after an agent rejoins the pool and
// returns the updated agent.
func (s *Server) wakeAndRespond(w http.ResponseWriter, id string) {
	s.core.Wake()
	agent, err := s.core.Registry().Get(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.core.Metrics().SetAgentStatus(agent)
	s.respondJSON(w, http.StatusOK, agent)
}
