// Package registry owns the authoritative agent inventory: enrollment,
// lookup, and the merge of inbound protocol messages into stored agent
// state.
package registry

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
	"github.com/Prad-v/FlowGate-sub000/pkg/token"
)

// casRetries bounds how often a message merge is retried when another
// writer moved the agent row underneath it.
const casRetries = 3

// Service is the agent registry.
type Service struct {
	store  store.Store
	tokens *token.Service
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the registry over the store and token service.
func NewService(st store.Store, tokens *token.Service, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		tokens: tokens,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
}

// RegisterRequest is the enrollment payload.
type RegisterRequest struct {
	RegistrationToken string            `json:"registration_token"`
	InstanceUID       string            `json:"instance_uid"`
	Name              string            `json:"name"`
	ManagementMode    string            `json:"management_mode"`
	IdentifyingAttrs  map[string]string `json:"identifying_attributes,omitempty"`
}

// RegisterResult carries the created agent and its bearer token. The
// token is returned exactly once.
type RegisterResult struct {
	Agent      *models.Agent `json:"agent"`
	AgentToken string        `json:"agent_token"`
}

// Register enrolls a new agent: the registration token is redeemed
// (single use), the agent row is created, and a bearer token is
// minted.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	uid, err := opamp.ParseInstanceUID(req.InstanceUID)
	if err != nil || uid.IsZero() {
		return nil, NewValidationError("instance_uid", "must be 32 hex characters and non-zero")
	}
	mode := models.ManagementMode(req.ManagementMode)
	if !mode.IsValid() {
		return nil, NewValidationError("management_mode", "must be 'supervisor' or 'extension'")
	}

	regTok, err := s.tokens.RedeemRegistrationToken(ctx, req.RegistrationToken)
	if err != nil {
		if errors.Is(err, token.ErrTokenInvalid) || errors.Is(err, token.ErrTokenExpired) {
			return nil, fmt.Errorf("registration token rejected: %w", err)
		}
		return nil, fmt.Errorf("redeem registration token: %w", err)
	}

	now := s.now()
	agent := &models.Agent{
		ID:                uuid.NewString(),
		OrgID:             regTok.OrgID,
		Name:              req.Name,
		InstanceUID:       uid,
		IdentifyingAttrs:  req.IdentifyingAttrs,
		ManagementMode:    mode,
		RegistrationState: models.RegistrationStateRegistered,
		LastSeen:          now,
		CreatedAt:         now,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}

	bearer, err := s.tokens.MintAgentToken(agent.ID, agent.OrgID)
	if err != nil {
		return nil, fmt.Errorf("mint agent token: %w", err)
	}

	s.logger.Info("agent registered",
		"agent_id", agent.ID,
		"organization_id", agent.OrgID,
		"instance_uid", agent.InstanceUID.String(),
		"management_mode", agent.ManagementMode)
	return &RegisterResult{Agent: agent, AgentToken: bearer}, nil
}

// Get returns an agent scoped to an organization. Agents in other
// organizations are indistinguishable from missing ones.
func (s *Service) Get(ctx context.Context, orgID, agentID string) (*models.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if agent.OrgID != orgID {
		return nil, ErrNotFound
	}
	return agent, nil
}

// GetByInstanceUID resolves the agent behind a transport connection.
func (s *Service) GetByInstanceUID(ctx context.Context, uid opamp.InstanceUID) (*models.Agent, error) {
	agent, err := s.store.GetAgentByInstanceUID(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return agent, err
}

// List returns agents in an organization matching the filter.
func (s *Service) List(ctx context.Context, orgID string, f models.AgentFilter) ([]*models.Agent, error) {
	return s.store.ListAgents(ctx, orgID, f)
}

// Delete removes an agent from the inventory.
func (s *Service) Delete(ctx context.Context, orgID, agentID string) error {
	if _, err := s.Get(ctx, orgID, agentID); err != nil {
		return err
	}
	if err := s.store.DeleteAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.logger.Info("agent deleted", "agent_id", agentID, "organization_id", orgID)
	return nil
}

// RequestEffectiveConfig opens a ticket asking the agent to re-report
// its effective configuration. The ticket resolves on the next inbound
// message carrying one, or expires.
func (s *Service) RequestEffectiveConfig(ctx context.Context, orgID, agentID string, ttl time.Duration) (*models.ConfigRequestTicket, error) {
	if _, err := s.Get(ctx, orgID, agentID); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := s.now()
	ticket := &models.ConfigRequestTicket{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		State:     models.TicketPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return ticket, nil
}

// GetTicket returns a ticket by id, scoped through its agent's
// organization. Tickets of other organizations are indistinguishable
// from missing ones.
func (s *Service) GetTicket(ctx context.Context, orgID, id string) (*models.ConfigRequestTicket, error) {
	t, err := s.store.GetTicket(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, orgID, t.AgentID); err != nil {
		return nil, err
	}
	return t, nil
}

// Delta is what an inbound message changed, consumed by the
// reconciliation loop and the deployment engine.
type Delta struct {
	Agent *models.Agent

	// OutOfOrder is set when the message's sequence number did not
	// advance; only liveness was recorded.
	OutOfOrder bool
	// FirstContact is set when this message activated a freshly
	// registered or inactive agent.
	FirstContact bool

	// EffectiveReported is set when the message carried an effective
	// configuration; EffectiveHash is its content hash.
	EffectiveReported bool
	EffectiveHash     []byte

	// StatusReport is the accepted remote config status report, nil
	// when the message carried none or the transition was rejected.
	StatusReport *opamp.RemoteConfigStatusReport

	// ResolvedTicketID is the ticket completed by this message, if any.
	ResolvedTicketID string
}

// ApplyInbound merges an inbound message into the stored agent state
// under optimistic concurrency, retrying a bounded number of times on
// conflict.
func (s *Service) ApplyInbound(ctx context.Context, msg *opamp.AgentToServer) (*Delta, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		agent, err := s.store.GetAgentByInstanceUID(ctx, msg.InstanceUID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load agent: %w", err)
		}

		delta := s.merge(agent, msg)
		if err := s.store.UpdateAgentCAS(ctx, agent); err != nil {
			if errors.Is(err, store.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("persist agent: %w", err)
		}

		if delta.EffectiveReported {
			s.resolveTicket(ctx, delta, msg)
		}
		return delta, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, lastErr)
}

// merge applies the message to the in-memory agent row and reports
// what changed. Pure with respect to storage.
func (s *Service) merge(agent *models.Agent, msg *opamp.AgentToServer) *Delta {
	delta := &Delta{Agent: agent}
	now := s.now()

	// Liveness is recorded unconditionally.
	agent.LastSeen = now
	if agent.RegistrationState == models.RegistrationStateRegistered ||
		agent.RegistrationState == models.RegistrationStateInactive {
		agent.RegistrationState = models.RegistrationStateActive
		delta.FirstContact = true
	}

	// A sequence number that does not advance means the message is a
	// duplicate or arrived out of order; its payload is stale and is
	// not merged. Only the message that activates the agent is exempt:
	// a restarted agent may begin a fresh counter below the stored one.
	if !delta.FirstContact && msg.SequenceNum <= agent.LastSequenceNum {
		delta.OutOfOrder = true
		return delta
	}
	agent.LastSequenceNum = msg.SequenceNum

	if msg.AgentDescription != nil && len(msg.AgentDescription.IdentifyingAttributes) > 0 {
		agent.IdentifyingAttrs = msg.AgentDescription.IdentifyingAttributes
	}

	// Reported capabilities replace stored ones. A zero report from a
	// supervised agent falls back to the supervisor default set, but
	// inference never overwrites a previously reported value.
	if msg.Capabilities != 0 {
		agent.AgentCapabilities = msg.Capabilities
	} else if agent.Supervised() && agent.AgentCapabilities == 0 {
		agent.AgentCapabilities = opamp.SupervisorDefaultCapabilities
	}

	if msg.Health != nil {
		agent.Health = models.AgentHealth{
			Healthy:        msg.Health.Healthy,
			StartTimeNanos: msg.Health.StartTimeUnixNano,
			LastError:      msg.Health.LastError,
		}
	}

	if msg.EffectiveConfig != nil {
		delta.EffectiveReported = true
		delta.EffectiveHash = effectiveHash(msg.EffectiveConfig)
		agent.EffectiveHash = delta.EffectiveHash
	}

	if msg.RemoteConfigStatus != nil && acceptStatusTransition(agent.RemoteConfigStatus, msg.RemoteConfigStatus.Status) {
		agent.RemoteConfigStatus = msg.RemoteConfigStatus.Status
		agent.RemoteHash = msg.RemoteConfigStatus.LastRemoteConfigHash
		delta.StatusReport = msg.RemoteConfigStatus
	}

	return delta
}

// acceptStatusTransition gates remote config status movement. A fresh
// APPLYING is always accepted (a new offer restarts the cycle);
// terminal reports are only accepted out of APPLYING or UNSET, so a
// stale terminal report cannot clobber a newer cycle.
func acceptStatusTransition(from, to opamp.RemoteConfigStatus) bool {
	if !to.IsValid() || to == opamp.RemoteConfigStatusUnset {
		return false
	}
	if to == opamp.RemoteConfigStatusApplying {
		return true
	}
	return from == opamp.RemoteConfigStatusApplying || from == opamp.RemoteConfigStatusUnset
}

// effectiveHash returns the reported hash, or derives one from the
// config map contents when the agent omitted it.
func effectiveHash(ec *opamp.EffectiveConfig) []byte {
	if len(ec.Hash) > 0 {
		return ec.Hash
	}
	names := make([]string, 0, len(ec.ConfigMap))
	for name := range ec.ConfigMap {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(ec.ConfigMap[name])
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// resolveTicket completes the oldest pending ticket for the agent with
// the reported effective configuration. Best effort: a racing resolver
// losing the CAS is fine.
func (s *Service) resolveTicket(ctx context.Context, delta *Delta, msg *opamp.AgentToServer) {
	ticket, err := s.store.PendingTicketForAgent(ctx, delta.Agent.ID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("pending ticket lookup failed", "agent_id", delta.Agent.ID, "error", err)
		return
	}

	payload := flattenConfigMap(msg.EffectiveConfig.ConfigMap)
	if err := s.store.ResolveTicket(ctx, ticket.ID, models.TicketCompleted, payload); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Warn("ticket resolution failed", "ticket_id", ticket.ID, "error", err)
		}
		return
	}
	delta.ResolvedTicketID = ticket.ID
	s.logger.Info("effective config ticket resolved", "ticket_id", ticket.ID, "agent_id", delta.Agent.ID)
}

// flattenConfigMap renders a config map as a single payload, entries
// in filename order.
func flattenConfigMap(m map[string][]byte) []byte {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []byte
	for i, name := range names {
		if len(names) > 1 {
			if i > 0 {
				out = append(out, '\n')
			}
			out = append(out, []byte(fmt.Sprintf("# --- %s ---\n", name))...)
		}
		out = append(out, m[name]...)
	}
	return out
}
