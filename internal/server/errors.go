package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/cloudauth"
	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/model"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/settings"
	"github.com/fyrsmithlabs/ragd/internal/testbed"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

// badRequest wraps a handler-local validation message into a 400.
func badRequest(c echo.Context, detail string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Detail: detail})
}

// httpStatus maps the sentinel errors of the domain packages onto the
// response codes of the API contract.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, settings.ErrNotFound),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, cloudauth.ErrNotFound),
		errors.Is(err, prompt.ErrNotFound),
		errors.Is(err, vectorstore.ErrNotFound),
		errors.Is(err, testbed.ErrNotFound),
		errors.Is(err, objstore.ErrBucketNotFound),
		errors.Is(err, objstore.ErrObjectNotFound):
		return http.StatusNotFound

	case errors.Is(err, model.ErrDuplicate),
		errors.Is(err, cloudauth.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, database.ErrBadCredentials):
		return http.StatusUnauthorized

	case errors.Is(err, database.ErrUnreachable),
		errors.Is(err, vectorstore.ErrNoObjectStore):
		return http.StatusServiceUnavailable

	case errors.Is(err, model.ErrUnreachable):
		return http.StatusUnprocessableEntity

	case errors.Is(err, testbed.ErrBadVerdict):
		return http.StatusFailedDependency

	case errors.Is(err, settings.ErrInvalidPatch),
		errors.Is(err, database.ErrIncomplete),
		errors.Is(err, document.ErrUnsupported),
		errors.Is(err, chat.ErrNoMessages),
		errors.Is(err, chat.ErrUnsafeSQL),
		errors.Is(err, testbed.ErrNoQuestions),
		errors.Is(err, vectorstore.ErrEmptyDocuments),
		errors.Is(err, vectorstore.ErrInvalidConfig),
		errors.Is(err, objstore.ErrInvalidName),
		errors.Is(err, model.ErrDisabled),
		errors.Is(err, model.ErrUnsupportedProvider),
		errors.Is(err, model.ErrFastEmbedUnavailable):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes the JSON error response for err. Database unreachability
// keeps the fixed detail string clients match on; everything else
// carries the error text.
func (s *Server) fail(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, errorBody{Detail: http.StatusText(he.Code)})
	}

	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
	}
	if errors.Is(err, database.ErrUnreachable) {
		return c.JSON(status, errorBody{Detail: "Database cannot connect to database"})
	}
	return c.JSON(status, errorBody{Detail: err.Error()})
}
