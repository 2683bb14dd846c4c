package api

import (
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
)

// MintTokenResponse carries the plain token exactly once.
type MintTokenResponse struct {
	Token    string                    `json:"token"`
	Metadata *models.RegistrationToken `json:"metadata"`
}

// mintTokenHandler handles POST /api/v1/tokens/registration.
func (s *Server) mintTokenHandler(c *echo.Context) error {
	var req struct {
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	_ = c.Bind(&req)

	plain, tok, err := s.tokens.MintRegistrationToken(c.Request().Context(), orgID(c),
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.logger.Error("registration token mint failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to mint token")
	}
	return c.JSON(http.StatusCreated, MintTokenResponse{Token: plain, Metadata: tok})
}

// revokeTokenHandler handles DELETE /api/v1/tokens/registration/:id.
func (s *Server) revokeTokenHandler(c *echo.Context) error {
	if err := s.tokens.RevokeRegistrationToken(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "token not found")
		}
		s.logger.Error("registration token revoke failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to revoke token")
	}
	return c.NoContent(http.StatusNoContent)
}
