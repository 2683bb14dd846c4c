package api

import (
	"encoding/base64"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/deploy"
)

// createDocumentHandler handles POST /api/v1/documents. The payload is
// opaque text; re-uploading an identical payload returns the existing
// document.
func (s *Server) createDocumentHandler(c *echo.Context) error {
	var req struct {
		Payload   string `json:"payload"`
		OriginRef string `json:"origin_ref"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	doc, err := s.engine.CreateDocument(c.Request().Context(), orgID(c), []byte(req.Payload), req.OriginRef)
	if err != nil {
		return mapDeployError(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

// getDocumentHandler handles GET /api/v1/documents/:id.
func (s *Server) getDocumentHandler(c *echo.Context) error {
	doc, err := s.engine.GetDocument(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return mapDeployError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"document": doc,
		"payload":  base64.StdEncoding.EncodeToString(doc.Payload),
	})
}

// createDeploymentHandler handles POST /api/v1/deployments.
func (s *Server) createDeploymentHandler(c *echo.Context) error {
	var req deploy.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	d, err := s.engine.CreateDeployment(c.Request().Context(), orgID(c), req)
	if err != nil {
		return mapDeployError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

// listDeploymentsHandler handles GET /api/v1/deployments.
func (s *Server) listDeploymentsHandler(c *echo.Context) error {
	ds, err := s.engine.List(c.Request().Context(), orgID(c))
	if err != nil {
		return mapDeployError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"deployments": ds})
}

// getDeploymentHandler handles GET /api/v1/deployments/:id.
func (s *Server) getDeploymentHandler(c *echo.Context) error {
	d, err := s.engine.Get(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return mapDeployError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// deploymentStatusesHandler handles GET /api/v1/deployments/:id/statuses.
func (s *Server) deploymentStatusesHandler(c *echo.Context) error {
	rows, err := s.engine.Statuses(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return mapDeployError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"statuses": rows})
}

// promoteHandler handles POST /api/v1/deployments/:id/promote.
func (s *Server) promoteHandler(c *echo.Context) error {
	if err := s.engine.PromoteCanary(c.Request().Context(), orgID(c), c.Param("id")); err != nil {
		return mapDeployError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// advanceHandler handles POST /api/v1/deployments/:id/advance.
func (s *Server) advanceHandler(c *echo.Context) error {
	if err := s.engine.AdvanceStage(c.Request().Context(), orgID(c), c.Param("id")); err != nil {
		return mapDeployError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// rollbackHandler handles POST /api/v1/deployments/:id/rollback.
func (s *Server) rollbackHandler(c *echo.Context) error {
	d, err := s.engine.Rollback(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return mapDeployError(err)
	}
	return c.JSON(http.StatusCreated, d)
}
