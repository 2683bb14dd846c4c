// Package store defines the persistence contract the control plane
// depends on, with a PostgreSQL implementation for production and an
// in-memory implementation for tests and single-process development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on a compare-and-swap mismatch.
	ErrConflict = errors.New("version conflict")
	// ErrAlreadyExists is returned on a uniqueness violation.
	ErrAlreadyExists = errors.New("already exists")
)

// AgentStore persists authoritative agent rows. Updates use
// compare-and-swap on the row version so two concurrent reconciliation
// workers never produce torn records.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetAgentByInstanceUID(ctx context.Context, uid opamp.InstanceUID) (*models.Agent, error)
	// UpdateAgentCAS persists a mutated agent iff the stored version
	// still matches a.Version; on success a.Version is incremented.
	UpdateAgentCAS(ctx context.Context, a *models.Agent) error
	ListAgents(ctx context.Context, orgID string, f models.AgentFilter) ([]*models.Agent, error)
	// MarkAgentsInactive flips agents unseen since cutoff to inactive
	// and returns their ids.
	MarkAgentsInactive(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteAgent(ctx context.Context, id string) error
}

// DocumentStore is an immutable content-addressed blob store for
// configuration documents keyed by hash.
type DocumentStore interface {
	// PutDocument stores a document; if a document with the same
	// (org, hash) already exists, the existing one is returned.
	PutDocument(ctx context.Context, d *models.ConfigDocument) (*models.ConfigDocument, error)
	GetDocument(ctx context.Context, id string) (*models.ConfigDocument, error)
	GetDocumentByHash(ctx context.Context, orgID, hash string) (*models.ConfigDocument, error)
}

// DeploymentStore persists deployments and their per-agent status
// rows. Deployment creation is transactional: the deployment and all
// its initial status rows are inserted as a unit.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *models.Deployment, statuses []*models.AgentDeploymentStatus) error
	GetDeployment(ctx context.Context, id string) (*models.Deployment, error)
	ListDeployments(ctx context.Context, orgID string) ([]*models.Deployment, error)
	// ListActiveDeployments returns non-terminal deployments, newest
	// first.
	ListActiveDeployments(ctx context.Context, orgID string) ([]*models.Deployment, error)
	// UpdateDeploymentState transitions id from `from` to `to`;
	// ErrConflict when the stored state no longer matches.
	UpdateDeploymentState(ctx context.Context, id string, from, to models.DeploymentState, completedAt *time.Time) error
	GetStatus(ctx context.Context, deploymentID, agentID string) (*models.AgentDeploymentStatus, error)
	ListStatuses(ctx context.Context, deploymentID string) ([]*models.AgentDeploymentStatus, error)
	// UpdateStatusCAS persists s iff the stored phase still equals
	// fromPhase; ErrConflict otherwise.
	UpdateStatusCAS(ctx context.Context, s *models.AgentDeploymentStatus, fromPhase models.DeployPhase) error
	// ExpiredDeployments returns non-terminal deployments whose
	// deadline has passed, across all organizations.
	ExpiredDeployments(ctx context.Context, now time.Time) ([]*models.Deployment, error)
	// ActiveDeploymentForAgent returns the most recent non-terminal
	// deployment that has a status row for the agent, with that row.
	ActiveDeploymentForAgent(ctx context.Context, orgID, agentID string) (*models.Deployment, *models.AgentDeploymentStatus, error)
	// LastAppliedDocument returns the document the agent most recently
	// reached phase applied for, excluding the given deployment.
	LastAppliedDocument(ctx context.Context, agentID, excludeDeploymentID string) (string, error)
}

// TokenStore persists registration tokens. Only salted digests are
// stored; consumption is a single-use compare-and-swap.
type TokenStore interface {
	CreateRegistrationToken(ctx context.Context, t *models.RegistrationToken) error
	GetRegistrationToken(ctx context.Context, id string) (*models.RegistrationToken, error)
	ConsumeRegistrationToken(ctx context.Context, id string, at time.Time) error
	RevokeRegistrationToken(ctx context.Context, id string) error
}

// TicketStore persists configuration request tickets.
type TicketStore interface {
	CreateTicket(ctx context.Context, t *models.ConfigRequestTicket) error
	GetTicket(ctx context.Context, id string) (*models.ConfigRequestTicket, error)
	// PendingTicketForAgent returns the oldest pending ticket for the
	// agent, or ErrNotFound.
	PendingTicketForAgent(ctx context.Context, agentID string) (*models.ConfigRequestTicket, error)
	ResolveTicket(ctx context.Context, id string, state models.TicketState, result []byte) error
	// ExpireTickets flips pending tickets past their deadline to
	// expired and returns how many were flipped.
	ExpireTickets(ctx context.Context, now time.Time) (int, error)
}

// Store aggregates every persistence concern the control plane needs.
type Store interface {
	AgentStore
	DocumentStore
	DeploymentStore
	TokenStore
	TicketStore
}
