package server

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// settingsClient returns the record id a settings call targets: the
// "client" query parameter when present, the client header otherwise.
func (s *Server) settingsClient(c echo.Context) string {
	if q := c.QueryParam("client"); q != "" {
		return q
	}
	return s.client(c)
}

func (s *Server) handleSettingsGet(c echo.Context) error {
	cs, err := s.settings.Get(s.settingsClient(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, cs)
}

// handleSettingsPatch applies a JSON merge onto the client's record,
// creating it as a copy of "default" on first contact. Creation answers
// 201, updates 200.
func (s *Server) handleSettingsPatch(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badRequest(c, "unreadable request body")
	}

	cs, created, err := s.settings.Patch(s.settingsClient(c), raw)
	if err != nil {
		return s.fail(c, err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, cs)
}

func (s *Server) handleSettingsClients(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"clients": s.settings.Names()})
}
