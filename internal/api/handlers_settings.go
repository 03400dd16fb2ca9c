package api

import (
	"net/http"

	"github.com/forgeworks/forge/internal/keymanager"
)

// handleAPIKeys handles GET and POST /api/v1/settings/api-keys.
func (s *Server) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Key store not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		entries, err := s.keys.List()
		if err != nil {
			s.respondDomainError(w, err)
			return
		}

		type keyView struct {
			Provider    string `json:"provider"`
			Description string `json:"description,omitempty"`
			MaskedKey   string `json:"masked_key"`
		}
		views := make([]keyView, 0, len(entries))
		for _, e := range entries {
			masked, err := s.keys.Masked(e.Provider)
			if err != nil {
				s.respondDomainError(w, err)
				return
			}
			views = append(views, keyView{
				Provider:    e.Provider,
				Description: e.Description,
				MaskedKey:   masked,
			})
		}
		s.respondJSON(w, http.StatusOK, views)

	case http.MethodPost:
		var req struct {
			Provider    string `json:"provider"`
			Description string `json:"description"`
			Key         string `json:"key"`
		}
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Provider == "" || req.Key == "" {
			s.respondError(w, http.StatusBadRequest, "provider and key are required")
			return
		}

		if err := s.storeKey(r, req.Provider, req.Description, req.Key); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, map[string]string{
			"provider":   req.Provider,
			"masked_key": keymanager.Mask(req.Key),
		})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleAPIKey handles PATCH and DELETE /api/v1/settings/api-keys/{provider}.
func (s *Server) handleAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Key store not configured")
		return
	}

	provider := s.extractID(r.URL.Path, "/api/v1/settings/api-keys")
	if provider == "" {
		s.respondError(w, http.StatusBadRequest, "Provider required")
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Description string `json:"description"`
			Key         string `json:"key"`
		}
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Key == "" {
			s.respondError(w, http.StatusBadRequest, "key is required")
			return
		}

		if err := s.storeKey(r, provider, req.Description, req.Key); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{
			"provider":   provider,
			"masked_key": keymanager.Mask(req.Key),
		})

	case http.MethodDelete:
		if err := s.keys.Delete(provider); err != nil {
			s.respondDomainError(w, err)
			return
		}
		if db := s.core.Database(); db != nil {
			if err := db.DeleteAPIKeyMeta(r.Context(), provider); err != nil {
				s.respondDomainError(w, err)
				return
			}
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// storeKey writes a credential to the key store, records its metadata in the
// mirror, and hands the key to a matching registered provider.
func (s *Server) storeKey(r *http.Request, provider, description, key string) error {
	if err := s.keys.Store(provider, description, key); err != nil {
		return err
	}
	if db := s.core.Database(); db != nil {
		if err := db.UpsertAPIKeyMeta(r.Context(), provider, description); err != nil {
			return err
		}
	}
	if reg, err := s.core.Providers().Get(provider); err == nil {
		cfg := reg.Config
		cfg.APIKey = key
		return s.core.Providers().Upsert(cfg)
	}
	return nil
}

// handleConfig handles GET /api/v1/settings/config, returning the running
// configuration with secrets masked.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	providers := make([]providerView, 0, len(s.cfg.Providers))
	for _, p := range s.cfg.Providers {
		providers = append(providers, maskProvider(p))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"server": s.cfg.Server,
		"dispatch": map[string]interface{}{
			"max_busy_agents":        s.cfg.Dispatch.MaxBusyAgents,
			"max_in_flight_projects": s.cfg.Dispatch.MaxInFlightProjects,
			"retry_limit":            s.cfg.Dispatch.RetryLimit,
			"task_timeout":           s.cfg.Dispatch.TaskTimeout.String(),
			"tick_interval":          s.cfg.Dispatch.TickInterval.String(),
		},
		"security": map[string]interface{}{
			"enable_auth":     s.cfg.Security.EnableAuth,
			"allowed_origins": s.cfg.Security.AllowedOrigins,
			"api_keys":        len(s.cfg.Security.APIKeys),
		},
		"providers": providers,
	})
}
