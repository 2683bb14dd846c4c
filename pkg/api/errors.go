package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/deploy"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
	"github.com/Prad-v/FlowGate-sub000/pkg/token"
)

// mapRegistryError maps registry-layer errors to HTTP error responses.
func mapRegistryError(err error) *echo.HTTPError {
	var validErr *registry.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, registry.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, registry.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "an agent with this instance uid already exists")
	}
	if errors.Is(err, registry.ErrConcurrentModification) {
		return echo.NewHTTPError(http.StatusConflict, "concurrent modification, retry")
	}
	if errors.Is(err, token.ErrTokenInvalid) {
		return echo.NewHTTPError(http.StatusUnauthorized, "registration token invalid")
	}
	if errors.Is(err, token.ErrTokenExpired) {
		return echo.NewHTTPError(http.StatusUnauthorized, "registration token expired")
	}

	slog.Error("Unexpected registry error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapDeployError maps deployment-layer errors to HTTP error responses.
func mapDeployError(err error) *echo.HTTPError {
	var validErr *deploy.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	var preErr *deploy.PreconditionError
	if errors.As(err, &preErr) {
		return echo.NewHTTPError(http.StatusConflict, preErr.Error())
	}
	if errors.Is(err, deploy.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	slog.Error("Unexpected deployment error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
