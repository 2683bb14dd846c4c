package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
)

// Memory is an in-process Store. It backs unit tests and local
// single-process development; semantics mirror the Postgres
// implementation, including CAS behavior.
type Memory struct {
	mu          sync.RWMutex
	agents      map[string]*models.Agent
	byUID       map[opamp.InstanceUID]string
	documents   map[string]*models.ConfigDocument
	deployments map[string]*models.Deployment
	statuses    map[string]map[string]*models.AgentDeploymentStatus // deploymentID → agentID → row
	tokens      map[string]*models.RegistrationToken
	tickets     map[string]*models.ConfigRequestTicket
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:      make(map[string]*models.Agent),
		byUID:       make(map[opamp.InstanceUID]string),
		documents:   make(map[string]*models.ConfigDocument),
		deployments: make(map[string]*models.Deployment),
		statuses:    make(map[string]map[string]*models.AgentDeploymentStatus),
		tokens:      make(map[string]*models.RegistrationToken),
		tickets:     make(map[string]*models.ConfigRequestTicket),
	}
}

var _ Store = (*Memory)(nil)

func copyAgent(a *models.Agent) *models.Agent {
	cp := *a
	if a.IdentifyingAttrs != nil {
		cp.IdentifyingAttrs = make(map[string]string, len(a.IdentifyingAttrs))
		for k, v := range a.IdentifyingAttrs {
			cp.IdentifyingAttrs[k] = v
		}
	}
	cp.EffectiveHash = append([]byte(nil), a.EffectiveHash...)
	cp.RemoteHash = append([]byte(nil), a.RemoteHash...)
	return &cp
}

func copyStatus(s *models.AgentDeploymentStatus) *models.AgentDeploymentStatus {
	cp := *s
	cp.LastReportedHash = append([]byte(nil), s.LastReportedHash...)
	return &cp
}

// --- AgentStore ---

func (m *Memory) CreateAgent(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byUID[a.InstanceUID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := m.agents[a.ID]; exists {
		return ErrAlreadyExists
	}
	a.Version = 1
	m.agents[a.ID] = copyAgent(a)
	m.byUID[a.InstanceUID] = a.ID
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

func (m *Memory) GetAgentByInstanceUID(_ context.Context, uid opamp.InstanceUID) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUID[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(m.agents[id]), nil
}

func (m *Memory) UpdateAgentCAS(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.agents[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != a.Version {
		return ErrConflict
	}
	a.Version++
	m.agents[a.ID] = copyAgent(a)
	return nil
}

func (m *Memory) ListAgents(_ context.Context, orgID string, f models.AgentFilter) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Agent
	for _, a := range m.agents {
		if a.OrgID != orgID {
			continue
		}
		if f.RegistrationState != "" && a.RegistrationState != f.RegistrationState {
			continue
		}
		if f.ManagementMode != "" && a.ManagementMode != f.ManagementMode {
			continue
		}
		if !a.MatchesAttrs(f.Attrs) {
			continue
		}
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) MarkAgentsInactive(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var flipped []string
	for id, a := range m.agents {
		if a.RegistrationState == models.RegistrationStateActive && a.LastSeen.Before(cutoff) {
			a.RegistrationState = models.RegistrationStateInactive
			a.Version++
			flipped = append(flipped, id)
		}
	}
	sort.Strings(flipped)
	return flipped, nil
}

func (m *Memory) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byUID, a.InstanceUID)
	delete(m.agents, id)
	return nil
}

// --- DocumentStore ---

func (m *Memory) PutDocument(_ context.Context, d *models.ConfigDocument) (*models.ConfigDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.documents {
		if existing.OrgID == d.OrgID && existing.Hash == d.Hash {
			cp := *existing
			return &cp, nil
		}
	}
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	m.documents[d.ID] = &cp
	out := cp
	return &out, nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (*models.ConfigDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	return &cp, nil
}

func (m *Memory) GetDocumentByHash(_ context.Context, orgID, hash string) (*models.ConfigDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.documents {
		if d.OrgID == orgID && d.Hash == hash {
			cp := *d
			cp.Payload = append([]byte(nil), d.Payload...)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- DeploymentStore ---

func (m *Memory) CreateDeployment(_ context.Context, d *models.Deployment, statuses []*models.AgentDeploymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deployments[d.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *d
	m.deployments[d.ID] = &cp
	rows := make(map[string]*models.AgentDeploymentStatus, len(statuses))
	for _, s := range statuses {
		rows[s.AgentID] = copyStatus(s)
	}
	m.statuses[d.ID] = rows
	return nil
}

func (m *Memory) GetDeployment(_ context.Context, id string) (*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDeployments(_ context.Context, orgID string) ([]*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Deployment
	for _, d := range m.deployments {
		if d.OrgID == orgID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveDeployments(_ context.Context, orgID string) ([]*models.Deployment, error) {
	all, _ := m.ListDeployments(nil, orgID)
	var out []*models.Deployment
	for _, d := range all {
		if !d.State.Terminal() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) UpdateDeploymentState(_ context.Context, id string, from, to models.DeploymentState, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	if d.State != from {
		return ErrConflict
	}
	d.State = to
	if completedAt != nil {
		d.CompletedAt = completedAt
	}
	return nil
}

func (m *Memory) GetStatus(_ context.Context, deploymentID, agentID string) (*models.AgentDeploymentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[deploymentID][agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyStatus(s), nil
}

func (m *Memory) ListStatuses(_ context.Context, deploymentID string) ([]*models.AgentDeploymentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.statuses[deploymentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.AgentDeploymentStatus, 0, len(rows))
	for _, s := range rows {
		out = append(out, copyStatus(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) UpdateStatusCAS(_ context.Context, s *models.AgentDeploymentStatus, fromPhase models.DeployPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.statuses[s.DeploymentID][s.AgentID]
	if !ok {
		return ErrNotFound
	}
	if cur.Phase != fromPhase {
		return ErrConflict
	}
	m.statuses[s.DeploymentID][s.AgentID] = copyStatus(s)
	return nil
}

func (m *Memory) ExpiredDeployments(_ context.Context, now time.Time) ([]*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Deployment
	for _, d := range m.deployments {
		if !d.State.Terminal() && d.Deadline != nil && now.After(*d.Deadline) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActiveDeploymentForAgent(_ context.Context, orgID, agentID string) (*models.Deployment, *models.AgentDeploymentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Deployment
	for id, rows := range m.statuses {
		if _, ok := rows[agentID]; !ok {
			continue
		}
		d := m.deployments[id]
		if d == nil || d.OrgID != orgID || d.State.Terminal() {
			continue
		}
		if best == nil || d.CreatedAt.After(best.CreatedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, nil, ErrNotFound
	}
	dcp := *best
	return &dcp, copyStatus(m.statuses[best.ID][agentID]), nil
}

func (m *Memory) LastAppliedDocument(_ context.Context, agentID, excludeDeploymentID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bestTime time.Time
	var bestDoc string
	for depID, rows := range m.statuses {
		if depID == excludeDeploymentID {
			continue
		}
		s, ok := rows[agentID]
		if !ok || s.Phase != models.PhaseApplied {
			continue
		}
		if bestDoc == "" || s.UpdatedAt.After(bestTime) {
			bestTime = s.UpdatedAt
			d := m.deployments[depID]
			if s.DocumentID != "" {
				bestDoc = s.DocumentID
			} else if d != nil {
				bestDoc = d.DocumentID
			}
		}
	}
	if bestDoc == "" {
		return "", ErrNotFound
	}
	return bestDoc, nil
}

// --- TokenStore ---

func (m *Memory) CreateRegistrationToken(_ context.Context, t *models.RegistrationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tokens[t.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *t
	cp.Digest = append([]byte(nil), t.Digest...)
	cp.Salt = append([]byte(nil), t.Salt...)
	m.tokens[t.ID] = &cp
	return nil
}

func (m *Memory) GetRegistrationToken(_ context.Context, id string) (*models.RegistrationToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ConsumeRegistrationToken(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if t.ConsumedAt != nil {
		return ErrConflict
	}
	t.ConsumedAt = &at
	return nil
}

func (m *Memory) RevokeRegistrationToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.Revoked = true
	return nil
}

// --- TicketStore ---

func (m *Memory) CreateTicket(_ context.Context, t *models.ConfigRequestTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tickets[t.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *Memory) GetTicket(_ context.Context, id string) (*models.ConfigRequestTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) PendingTicketForAgent(_ context.Context, agentID string) (*models.ConfigRequestTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest *models.ConfigRequestTicket
	for _, t := range m.tickets {
		if t.AgentID != agentID || t.State != models.TicketPending {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (m *Memory) ResolveTicket(_ context.Context, id string, state models.TicketState, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return ErrNotFound
	}
	if t.State != models.TicketPending {
		return ErrConflict
	}
	t.State = state
	t.Result = append([]byte(nil), result...)
	return nil
}

func (m *Memory) ExpireTickets(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickets {
		if t.State == models.TicketPending && now.After(t.ExpiresAt) {
			t.State = models.TicketExpired
			n++
		}
	}
	return n, nil
}
