// Package transport terminates agent connections: a WebSocket stream
// endpoint and an HTTP poll endpoint, both feeding the same
// reconciliation loop.
package transport

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
	"github.com/Prad-v/FlowGate-sub000/pkg/token"
)

// bearerToken extracts the agent bearer token. WebSocket clients that
// cannot set headers may pass it as the token query parameter.
func bearerToken(c *echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.QueryParam("token")
}

// authenticate resolves the agent behind a request from its bearer
// token. The token's claims pin both the agent and its organization.
func authenticate(c *echo.Context, tokens *token.Service, reg *registry.Service) (*models.Agent, error) {
	raw := bearerToken(c)
	if raw == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	claims, err := tokens.VerifyAgentToken(raw)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return nil, echo.NewHTTPError(http.StatusUnauthorized, "token expired")
		}
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	agent, err := reg.Get(c.Request().Context(), claims.OrgID, claims.AgentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusUnauthorized, "agent no longer exists")
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "agent lookup failed")
	}
	return agent, nil
}
