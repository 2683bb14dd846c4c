package api

import (
	"bytes"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/events"
	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
)

// registerAgentHandler handles POST /api/v1/agents/register.
func (s *Server) registerAgentHandler(c *echo.Context) error {
	var req registry.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := s.registry.Register(c.Request().Context(), req)
	if err != nil {
		return mapRegistryError(err)
	}

	agent := res.Agent
	if err := s.events.PublishAgentRegistered(c.Request().Context(), agent.OrgID, events.AgentRegisteredPayload{
		AgentID:        agent.ID,
		Name:           agent.Name,
		ManagementMode: string(agent.ManagementMode),
	}); err != nil {
		s.logger.Warn("agent registered event publish failed", "agent_id", agent.ID, "error", err)
	}
	return c.JSON(http.StatusCreated, res)
}

// AgentResponse decorates the stored agent with decoded capability
// names and its live session, if any.
type AgentResponse struct {
	*models.Agent
	EffectiveCapabilities []string `json:"effective_capabilities"`
	Connected             bool     `json:"connected"`
	SessionTransport      string   `json:"session_transport,omitempty"`
}

func (s *Server) agentResponse(agent *models.Agent) AgentResponse {
	caps := opamp.ResolveCapabilities(agent.Supervised(), agent.AgentCapabilities)
	resp := AgentResponse{
		Agent:                 agent,
		EffectiveCapabilities: opamp.CapabilityNames(caps),
	}
	if sess, ok := s.sessions.Get(agent.InstanceUID); ok {
		resp.Connected = true
		resp.SessionTransport = string(sess.Transport)
	}
	return resp
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	agent, err := s.registry.Get(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return mapRegistryError(err)
	}
	return c.JSON(http.StatusOK, s.agentResponse(agent))
}

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	filter := models.AgentFilter{}
	if v := c.QueryParam("state"); v != "" {
		st := models.RegistrationState(v)
		if !st.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid state filter")
		}
		filter.RegistrationState = st
	}
	if v := c.QueryParam("management_mode"); v != "" {
		mode := models.ManagementMode(v)
		if !mode.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid management_mode filter")
		}
		filter.ManagementMode = mode
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	agents, err := s.registry.List(c.Request().Context(), orgID(c), filter)
	if err != nil {
		return mapRegistryError(err)
	}
	out := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, s.agentResponse(a))
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": out})
}

// deleteAgentHandler handles DELETE /api/v1/agents/:id.
func (s *Server) deleteAgentHandler(c *echo.Context) error {
	if err := s.registry.Delete(c.Request().Context(), orgID(c), c.Param("id")); err != nil {
		return mapRegistryError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// configRequestHandler handles POST /api/v1/agents/:id/config-request:
// it opens a ticket asking the agent to re-report its effective
// configuration.
func (s *Server) configRequestHandler(c *echo.Context) error {
	var req struct {
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	// The body is optional.
	_ = c.Bind(&req)

	ticket, err := s.registry.RequestEffectiveConfig(c.Request().Context(), orgID(c), c.Param("id"),
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return mapRegistryError(err)
	}
	return c.JSON(http.StatusAccepted, ticket)
}

// getTicketHandler handles GET /api/v1/tickets/:id.
func (s *Server) getTicketHandler(c *echo.Context) error {
	ticket, err := s.registry.GetTicket(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return mapRegistryError(err)
	}
	return c.JSON(http.StatusOK, ticket)
}

// ConfigCompareResponse reports whether an agent's effective
// configuration matches a stored document.
type ConfigCompareResponse struct {
	AgentID       string `json:"agent_id"`
	DocumentID    string `json:"document_id"`
	DocumentHash  string `json:"document_hash"`
	EffectiveHash string `json:"effective_hash,omitempty"`
	InSync        bool   `json:"in_sync"`
}

// configCompareHandler handles GET /api/v1/agents/:id/config/compare.
func (s *Server) configCompareHandler(c *echo.Context) error {
	docID := c.QueryParam("document_id")
	if docID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document_id is required")
	}

	agent, err := s.registry.Get(c.Request().Context(), orgID(c), c.Param("id"))
	if err != nil {
		return mapRegistryError(err)
	}
	doc, err := s.engine.GetDocument(c.Request().Context(), orgID(c), docID)
	if err != nil {
		return mapDeployError(err)
	}

	docHash, err := hex.DecodeString(doc.Hash)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stored document hash corrupt")
	}
	return c.JSON(http.StatusOK, ConfigCompareResponse{
		AgentID:       agent.ID,
		DocumentID:    doc.ID,
		DocumentHash:  doc.Hash,
		EffectiveHash: hex.EncodeToString(agent.EffectiveHash),
		InSync:        len(agent.EffectiveHash) > 0 && bytes.Equal(agent.EffectiveHash, docHash),
	})
}
