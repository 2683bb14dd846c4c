// Package api is the control API: agent enrollment, fleet inventory,
// configuration documents, deployments, and the operator event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/database"
	"github.com/Prad-v/FlowGate-sub000/pkg/deploy"
	"github.com/Prad-v/FlowGate-sub000/pkg/events"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
	"github.com/Prad-v/FlowGate-sub000/pkg/session"
	"github.com/Prad-v/FlowGate-sub000/pkg/token"
	"github.com/Prad-v/FlowGate-sub000/pkg/transport"
)

// Server is the HTTP surface of the control plane.
type Server struct {
	registry *registry.Service
	engine   *deploy.Engine
	tokens   *token.Service
	sessions *session.Store
	events   events.Publisher

	// db is optional; health reporting degrades without it.
	db          *database.Client
	connManager *events.ConnectionManager

	e      *echo.Echo
	srv    *http.Server
	logger *slog.Logger
}

// NewServer wires the control API over its services.
func NewServer(reg *registry.Service, engine *deploy.Engine, tokens *token.Service, sessions *session.Store, pub events.Publisher, logger *slog.Logger) *Server {
	s := &Server{
		registry: reg,
		engine:   engine,
		tokens:   tokens,
		sessions: sessions,
		events:   pub,
		e:        echo.New(),
		logger:   logger.With("component", "api"),
	}
	s.routes()
	return s
}

// SetDatabase wires the database client for health reporting.
func (s *Server) SetDatabase(db *database.Client) {
	s.db = db
}

// SetConnectionManager wires the operator event stream endpoint.
func (s *Server) SetConnectionManager(m *events.ConnectionManager) {
	s.connManager = m
}

// RegisterTransports mounts the agent transport endpoints on the same
// listener as the control API.
func (s *Server) RegisterTransports(stream *transport.Stream, poll *transport.Poll) {
	if stream != nil {
		s.e.GET("/v1/opamp", stream.Handle)
	}
	if poll != nil {
		s.e.POST("/v1/opamp", poll.Handle)
	}
}

func (s *Server) routes() {
	s.e.Use(securityHeaders())

	s.e.GET("/health", s.healthHandler)
	s.e.GET("/ws", s.wsHandler)

	// Enrollment authenticates with a registration token, not an org
	// header.
	s.e.POST("/api/v1/agents/register", s.registerAgentHandler)

	v1 := s.e.Group("/api/v1", orgScope())
	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
	v1.DELETE("/agents/:id", s.deleteAgentHandler)
	v1.POST("/agents/:id/config-request", s.configRequestHandler)
	v1.GET("/agents/:id/config/compare", s.configCompareHandler)
	v1.GET("/tickets/:id", s.getTicketHandler)

	v1.POST("/tokens/registration", s.mintTokenHandler)
	v1.DELETE("/tokens/registration/:id", s.revokeTokenHandler)

	v1.POST("/documents", s.createDocumentHandler)
	v1.GET("/documents/:id", s.getDocumentHandler)

	v1.POST("/deployments", s.createDeploymentHandler)
	v1.GET("/deployments", s.listDeploymentsHandler)
	v1.GET("/deployments/:id", s.getDeploymentHandler)
	v1.GET("/deployments/:id/statuses", s.deploymentStatusesHandler)
	v1.POST("/deployments/:id/promote", s.promoteHandler)
	v1.POST("/deployments/:id/advance", s.advanceHandler)
	v1.POST("/deployments/:id/rollback", s.rollbackHandler)

	v1.GET("/sessions", s.listSessionsHandler)
}

// ServeHTTP makes the server mountable and testable as a plain
// http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Start runs the HTTP server; it blocks until Shutdown or failure.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.srv.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
