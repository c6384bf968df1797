package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/settings"
)

// requireBearer rejects requests whose Authorization header does not
// carry the configured token. The comparison is constant time.
func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey.Value())) != 1 {
			return c.JSON(http.StatusUnauthorized, errorBody{Detail: "invalid or missing bearer token"})
		}
		return next(c)
	}
}

// requireAPIKey guards the MCP mount with the X-API-Key header.
func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey.Value())) != 1 {
			return c.JSON(http.StatusForbidden, errorBody{Detail: "invalid API key"})
		}
		return next(c)
	}
}

// resolveClient stamps the client id from the request header into the
// request context so handler logs carry it. Absent header means the
// server's own record; a malformed header is the caller's problem.
func (s *Server) resolveClient(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(clientHeader)
		if id == "" {
			id = settings.ServerClientID
		}
		if !logging.ValidID(id) {
			return c.JSON(http.StatusBadRequest, errorBody{Detail: "malformed client header"})
		}
		ctx := logging.WithClientID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// client returns the id the request runs under.
func (s *Server) client(c echo.Context) string {
	if id := logging.ClientIDFromContext(c.Request().Context()); id != "" {
		return id
	}
	return settings.ServerClientID
}

// logRequests emits one structured line per request and feeds the
// request metrics.
func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		duration := time.Since(start)

		status := c.Response().Status
		route := c.Path()
		s.metrics.RecordRequest(c.Request().Method, route, status, duration)

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)

		return err
	}
}
