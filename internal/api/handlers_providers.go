package api

import (
	"net/http"

	"github.com/forgeworks/forge/internal/keymanager"
	"github.com/forgeworks/forge/pkg/config"
)

// providerView is a provider config with the key material masked.
type providerView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
	Enabled  bool   `json:"enabled"`
}

func maskProvider(cfg config.Provider) providerView {
	return providerView{
		ID:       cfg.ID,
		Name:     cfg.Name,
		Type:     cfg.Type,
		Endpoint: cfg.Endpoint,
		APIKey:   keymanager.Mask(cfg.APIKey),
		Model:    cfg.Model,
		Enabled:  cfg.Enabled,
	}
}

// handleProviders handles GET and POST /api/v1/providers.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var views []providerView
		for _, reg := range s.core.Providers().List() {
			views = append(views, maskProvider(reg.Config))
		}
		s.respondJSON(w, http.StatusOK, views)

	case http.MethodPost:
		var cfg config.Provider
		if err := s.parseJSON(r, &cfg); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if cfg.ID == "" || cfg.Type == "" {
			s.respondError(w, http.StatusBadRequest, "id and type are required")
			return
		}

		if err := s.core.Providers().Upsert(cfg); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.respondJSON(w, http.StatusCreated, maskProvider(cfg))

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleProvider handles /api/v1/providers/{id} and its sub-resources.
func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/providers"
	id := s.extractID(r.URL.Path, prefix)
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "Provider ID required")
		return
	}

	switch s.extractAction(r.URL.Path, prefix) {
	case "":
		s.handleProviderByID(w, r, id)
	case "enable":
		s.handleProviderEnabled(w, r, id, true)
	case "disable":
		s.handleProviderEnabled(w, r, id, false)
	default:
		s.respondError(w, http.StatusNotFound, "Unknown action")
	}
}

// handleProviderByID handles GET and DELETE /api/v1/providers/{id}.
func (s *Server) handleProviderByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		reg, err := s.core.Providers().Get(id)
		if err != nil {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, maskProvider(reg.Config))

	case http.MethodDelete:
		if err := s.core.Providers().Unregister(id); err != nil {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleProviderEnabled handles POST /api/v1/providers/{id}/enable and
// /disable.
func (s *Server) handleProviderEnabled(w http.ResponseWriter, r *http.Request, id string, enabled bool) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.core.Providers().SetEnabled(id, enabled); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	reg, err := s.core.Providers().Get(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, maskProvider(reg.Config))
}
