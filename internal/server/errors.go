package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/petrijr/stepflow/pkg/api"
)

// httpError maps engine errors onto HTTP statuses.
func httpError(err error) error {
	var cfgErr *api.ConfigurationError
	switch {
	case errors.Is(err, api.ErrWorkflowNotFound), errors.Is(err, api.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, api.ErrOrganizationInactive):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &cfgErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, api.NormalizeError(err))
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}
