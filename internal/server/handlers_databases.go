package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/database"
)

// databaseListResponse is the body of GET /v1/databases.
type databaseListResponse struct {
	Databases []database.Status `json:"databases"`
}

func (s *Server) handleDatabaseList(c echo.Context) error {
	return c.JSON(http.StatusOK, databaseListResponse{Databases: s.databases.List()})
}

// handleDatabaseGet returns one handle's status. With ?validate=true
// the pool is pinged before answering; without it a handle that already
// connected is reported from registry state alone.
func (s *Server) handleDatabaseGet(c echo.Context) error {
	name := c.Param("name")
	if c.QueryParam("validate") == "true" {
		if _, err := s.databases.Acquire(c.Request().Context(), name, true); err != nil {
			return s.fail(c, err)
		}
	}
	st, err := s.databases.Get(name)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// handleDatabasePatch merges connect parameters into a handle. The
// registry dials with the merged parameters before committing, so bad
// credentials or an unreachable host leave the stored handle unchanged.
func (s *Server) handleDatabasePatch(c echo.Context) error {
	var patch config.DatabaseConfig
	if err := c.Bind(&patch); err != nil {
		return badRequest(c, "invalid request body")
	}

	st, err := s.databases.Patch(c.Request().Context(), c.Param("name"), patch)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}
