package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/database"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	stats := s.sessions.Stats()
	resp := map[string]any{
		"status":           "healthy",
		"live_sessions":    stats.Sessions,
		"dropped_messages": stats.DroppedMessages,
	}
	if s.connManager != nil {
		resp["event_subscribers"] = s.connManager.ActiveConnections()
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		dbHealth, err := database.Health(ctx, s.db.Pool())
		resp["database"] = dbHealth
		if err != nil {
			resp["status"] = "unhealthy"
			resp["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// listSessionsHandler handles GET /api/v1/sessions: a snapshot of the
// live transport attachments on this replica.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.sessions.Snapshot()})
}

// wsHandler upgrades GET /ws to the operator event stream.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream not available")
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}
