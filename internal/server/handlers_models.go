package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/model"
)

// modelListResponse is the body of GET /v1/models.
type modelListResponse struct {
	Models []config.ModelConfig `json:"models"`
}

func (s *Server) handleModelList(c echo.Context) error {
	kind := config.ModelKind(c.QueryParam("kind"))
	enabledOnly := c.QueryParam("enabled_only") == "true"

	var out []config.ModelConfig
	if kind != "" {
		if !kind.Valid() {
			return badRequest(c, "kind must be \"language\" or \"embedding\"")
		}
		out = s.models.ListByKind(kind, enabledOnly)
	} else {
		for _, m := range s.models.List() {
			if enabledOnly && !m.Enabled {
				continue
			}
			out = append(out, m)
		}
	}
	if out == nil {
		out = []config.ModelConfig{}
	}
	return c.JSON(http.StatusOK, modelListResponse{Models: out})
}

func (s *Server) handleModelProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"providers": model.SupportedProviders()})
}

func (s *Server) handleModelGet(c echo.Context) error {
	m, err := s.models.Get(c.Param("*"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// handleModelCreate registers a descriptor. The endpoint is probed
// first so a rejected registration leaves the registry untouched.
func (s *Server) handleModelCreate(c echo.Context) error {
	var m config.ModelConfig
	if err := c.Bind(&m); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := m.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	if m.Endpoint != "" && !model.Trusted(m.Provider) {
		if err := s.prober.Check(c.Request().Context(), m.Endpoint); err != nil {
			return s.fail(c, err)
		}
	}
	if err := s.models.Add(m); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return s.fail(c, err)
		}
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusCreated, m)
}

// modelPatch is the body of PATCH /v1/models/{identity}. Enabled is a
// pointer so "absent" and "false" stay distinguishable.
type modelPatch struct {
	Endpoint       string                    `json:"endpoint"`
	Credential     config.Secret             `json:"credential"`
	MaxInputTokens int                       `json:"max_input_tokens"`
	MaxChunkSize   int                       `json:"max_chunk_size"`
	Defaults       config.GenerationDefaults `json:"defaults"`
	Enabled        *bool                     `json:"enabled"`
}

// handleModelPatch merges non-zero patch fields into the descriptor. A
// changed endpoint is probed before anything is committed, so an
// unreachable URL leaves the registry unchanged.
func (s *Server) handleModelPatch(c echo.Context) error {
	identity := c.Param("*")
	var p modelPatch
	if err := c.Bind(&p); err != nil {
		return badRequest(c, "invalid request body")
	}

	current, err := s.models.Get(identity)
	if err != nil {
		return s.fail(c, err)
	}

	if p.Endpoint != "" && p.Endpoint != current.Endpoint && !model.Trusted(current.Provider) {
		if err := s.prober.Check(c.Request().Context(), p.Endpoint); err != nil {
			return s.fail(c, err)
		}
	}

	merged, _, err := s.models.Patch(identity, config.ModelConfig{
		Endpoint:       p.Endpoint,
		Credential:     p.Credential,
		MaxInputTokens: p.MaxInputTokens,
		MaxChunkSize:   p.MaxChunkSize,
		Defaults:       p.Defaults,
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return s.fail(c, err)
		}
		return badRequest(c, err.Error())
	}

	if p.Enabled != nil {
		if err := s.models.SetEnabled(identity, *p.Enabled); err != nil {
			return s.fail(c, err)
		}
		merged.Enabled = *p.Enabled
	}
	return c.JSON(http.StatusOK, merged)
}

func (s *Server) handleModelDelete(c echo.Context) error {
	identity := c.Param("*")
	if err := s.models.Delete(identity); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"detail": "model deleted", "model": identity})
}
