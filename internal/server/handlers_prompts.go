package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ragd/internal/prompt"
)

// promptView is one catalog entry in a full listing, the template plus
// its currently effective text.
type promptView struct {
	prompt.Template
	Text string `json:"text"`
}

// handlePromptList lists the catalog. The plain form answers names
// only; ?full=true includes default, override and effective text.
func (s *Server) handlePromptList(c echo.Context) error {
	if c.QueryParam("full") != "true" {
		return c.JSON(http.StatusOK, map[string][]string{"prompts": s.prompts.Names()})
	}

	templates := s.prompts.List()
	out := make([]promptView, 0, len(templates))
	for _, t := range templates {
		out = append(out, promptView{Template: t, Text: t.Effective()})
	}
	return c.JSON(http.StatusOK, map[string][]promptView{"prompts": out})
}

// promptPatch is the body of PATCH /v1/mcp/prompts/{name}.
type promptPatch struct {
	Text string `json:"text"`
}

// handlePromptPatch stores override text for one prompt. The default
// stays untouched; a reset restores it.
func (s *Server) handlePromptPatch(c echo.Context) error {
	var p promptPatch
	if err := c.Bind(&p); err != nil {
		return badRequest(c, "invalid request body")
	}
	if p.Text == "" {
		return badRequest(c, "text is required")
	}

	name := c.Param("name")
	if err := s.prompts.SetOverride(name, p.Text); err != nil {
		return s.fail(c, err)
	}
	t, err := s.prompts.Get(name)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, promptView{Template: t, Text: t.Effective()})
}

// handlePromptReset drops every override, restoring catalog defaults.
func (s *Server) handlePromptReset(c echo.Context) error {
	s.prompts.ResetAll()
	return c.JSON(http.StatusOK, map[string]string{"detail": "prompt overrides cleared"})
}
