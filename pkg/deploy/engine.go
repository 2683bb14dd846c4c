// Package deploy drives configuration rollouts: it targets agents,
// schedules offers by strategy, tracks per-agent convergence, and
// handles rollback.
package deploy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Prad-v/FlowGate-sub000/pkg/events"
	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
)

// offerFilename is the config-map entry an offered document ships
// under. The codec requires a non-empty filename on the wire.
const offerFilename = "collector.yaml"

// OfferNotifier is poked when agents move to the offered phase so live
// sessions get their config offer pushed without waiting for the next
// inbound message.
type OfferNotifier interface {
	NotifyOffer(agentIDs ...string)
}

type nopNotifier struct{}

func (nopNotifier) NotifyOffer(...string) {}

// Engine is the deployment service.
type Engine struct {
	store    store.Store
	events   events.Publisher
	notifier OfferNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine wires the engine over the store and event publisher.
func NewEngine(st store.Store, pub events.Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		events:   pub,
		notifier: nopNotifier{},
		logger:   logger.With("component", "deploy_engine"),
		now:      time.Now,
	}
}

// SetNotifier wires the offer push hook; called once during startup.
func (e *Engine) SetNotifier(n OfferNotifier) {
	e.notifier = n
}

// CreateDocument stores a configuration document, content addressed:
// re-uploading an identical payload returns the existing document.
func (e *Engine) CreateDocument(ctx context.Context, orgID string, payload []byte, originRef string) (*models.ConfigDocument, error) {
	if len(payload) == 0 {
		return nil, NewValidationError("payload", "must not be empty")
	}
	doc := &models.ConfigDocument{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Payload:   payload,
		Hash:      models.HashPayload(payload),
		CreatedAt: e.now(),
		OriginRef: originRef,
	}
	stored, err := e.store.PutDocument(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}
	return stored, nil
}

// GetDocument returns a document scoped to an organization.
func (e *Engine) GetDocument(ctx context.Context, orgID, docID string) (*models.ConfigDocument, error) {
	doc, err := e.store.GetDocument(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if doc.OrgID != orgID {
		return nil, ErrNotFound
	}
	return doc, nil
}

// CreateRequest is the deployment creation payload.
type CreateRequest struct {
	Name             string            `json:"name"`
	DocumentID       string            `json:"document_ref"`
	Strategy         string            `json:"rollout_strategy"`
	CanaryPercent    int               `json:"canary_percent,omitempty"`
	StageSize        int               `json:"stage_size,omitempty"`
	Targeting        map[string]string `json:"targeting,omitempty"`
	TolerateFailures bool              `json:"tolerate_failures"`
	DeadlineSeconds  int64             `json:"deadline_seconds,omitempty"`
}

// CreateDeployment validates the request, resolves the target set,
// supersedes overlapping active deployments, and opens the rollout
// with the first batch offered.
func (e *Engine) CreateDeployment(ctx context.Context, orgID string, req CreateRequest) (*models.Deployment, error) {
	strategy := models.RolloutStrategy(req.Strategy)
	if !strategy.IsValid() {
		return nil, NewValidationError("rollout_strategy", "must be 'immediate', 'canary' or 'staged'")
	}
	if strategy == models.RolloutCanary && (req.CanaryPercent < 1 || req.CanaryPercent > 100) {
		return nil, NewValidationError("canary_percent", "must be between 1 and 100")
	}
	if strategy == models.RolloutStaged && req.StageSize < 1 {
		return nil, NewValidationError("stage_size", "must be at least 1")
	}

	doc, err := e.GetDocument(ctx, orgID, req.DocumentID)
	if err != nil {
		return nil, err
	}

	targets, err := e.resolveTargets(ctx, orgID, req.Targeting)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, NewPreconditionError("no active agents match the targeting predicate")
	}

	now := e.now()
	d := &models.Deployment{
		ID:               uuid.NewString(),
		OrgID:            orgID,
		Name:             req.Name,
		DocumentID:       doc.ID,
		Strategy:         strategy,
		CanaryPercent:    req.CanaryPercent,
		StageSize:        req.StageSize,
		Targeting:        req.Targeting,
		TolerateFailures: req.TolerateFailures,
		State:            models.DeploymentInProgress,
		CreatedAt:        now,
		StartedAt:        now,
	}
	if req.DeadlineSeconds > 0 {
		deadline := now.Add(time.Duration(req.DeadlineSeconds) * time.Second)
		d.Deadline = &deadline
	}

	if err := e.supersedeOverlapping(ctx, orgID, targets); err != nil {
		return nil, err
	}

	firstBatch := initialBatchSize(d, len(targets))
	statuses := make([]*models.AgentDeploymentStatus, 0, len(targets))
	offered := make([]string, 0, firstBatch)
	for i, agent := range targets {
		phase := models.PhaseQueued
		if i < firstBatch {
			phase = models.PhaseOffered
			offered = append(offered, agent.ID)
		}
		statuses = append(statuses, &models.AgentDeploymentStatus{
			DeploymentID: d.ID,
			AgentID:      agent.ID,
			Phase:        phase,
			UpdatedAt:    now,
		})
	}

	if err := e.store.CreateDeployment(ctx, d, statuses); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	e.logger.Info("deployment created",
		"deployment_id", d.ID,
		"organization_id", orgID,
		"document_id", doc.ID,
		"strategy", strategy,
		"targets", len(targets),
		"first_batch", firstBatch)
	e.publishState(ctx, d, "created")
	e.notifier.NotifyOffer(offered...)
	return d, nil
}

// resolveTargets returns active agents matching the predicate that can
// accept remote configuration, ordered by agent id for deterministic
// batching.
func (e *Engine) resolveTargets(ctx context.Context, orgID string, targeting map[string]string) ([]*models.Agent, error) {
	agents, err := e.store.ListAgents(ctx, orgID, models.AgentFilter{
		RegistrationState: models.RegistrationStateActive,
		Attrs:             targeting,
	})
	if err != nil {
		return nil, fmt.Errorf("list target agents: %w", err)
	}
	out := agents[:0]
	for _, a := range agents {
		caps := opamp.ResolveCapabilities(a.Supervised(), a.AgentCapabilities)
		if opamp.HasCapability(caps, opamp.CapAcceptsRemoteConfig) {
			out = append(out, a)
		}
	}
	return out, nil
}

// initialBatchSize is how many targets the first wave offers.
func initialBatchSize(d *models.Deployment, total int) int {
	switch d.Strategy {
	case models.RolloutCanary:
		n := int(math.Ceil(float64(total) * float64(d.CanaryPercent) / 100))
		if n < 1 {
			n = 1
		}
		return n
	case models.RolloutStaged:
		if d.StageSize < total {
			return d.StageSize
		}
		return total
	default:
		return total
	}
}

// supersedeOverlapping skips the non-terminal rows of older active
// deployments for agents that the new deployment targets. The older
// deployment then completes or keeps converging its remaining agents.
func (e *Engine) supersedeOverlapping(ctx context.Context, orgID string, targets []*models.Agent) error {
	targetSet := make(map[string]bool, len(targets))
	for _, a := range targets {
		targetSet[a.ID] = true
	}

	active, err := e.store.ListActiveDeployments(ctx, orgID)
	if err != nil {
		return fmt.Errorf("list active deployments: %w", err)
	}

	now := e.now()
	for _, old := range active {
		rows, err := e.store.ListStatuses(ctx, old.ID)
		if err != nil {
			return fmt.Errorf("list statuses of %s: %w", old.ID, err)
		}
		superseded := false
		for _, row := range rows {
			if !targetSet[row.AgentID] || row.Phase.Terminal() {
				continue
			}
			from := row.Phase
			row.Phase = models.PhaseSkipped
			row.Error = "superseded by a newer deployment"
			row.UpdatedAt = now
			if err := e.store.UpdateStatusCAS(ctx, row, from); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return fmt.Errorf("supersede status: %w", err)
			}
			superseded = true
			e.publishPhase(ctx, old.OrgID, row)
		}
		if superseded {
			e.logger.Info("overlapping deployment superseded", "deployment_id", old.ID)
			if err := e.maybeComplete(ctx, old); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns a deployment scoped to an organization.
func (e *Engine) Get(ctx context.Context, orgID, id string) (*models.Deployment, error) {
	d, err := e.store.GetDeployment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.OrgID != orgID {
		return nil, ErrNotFound
	}
	return d, nil
}

// List returns all deployments in an organization, newest first.
func (e *Engine) List(ctx context.Context, orgID string) ([]*models.Deployment, error) {
	return e.store.ListDeployments(ctx, orgID)
}

// Statuses returns the per-agent rows of a deployment.
func (e *Engine) Statuses(ctx context.Context, orgID, id string) ([]*models.AgentDeploymentStatus, error) {
	if _, err := e.Get(ctx, orgID, id); err != nil {
		return nil, err
	}
	return e.store.ListStatuses(ctx, id)
}

// PromoteCanary opens the remaining targets of a canary deployment.
func (e *Engine) PromoteCanary(ctx context.Context, orgID, id string) error {
	d, err := e.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if d.Strategy != models.RolloutCanary {
		return NewPreconditionError("deployment is not a canary rollout")
	}
	if d.State != models.DeploymentInProgress {
		return NewPreconditionError(fmt.Sprintf("deployment is %s", d.State))
	}

	rows, err := e.store.ListStatuses(ctx, id)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Phase == models.PhaseFailed && !d.TolerateFailures {
			return NewPreconditionError("canary cohort has failures")
		}
	}

	offered, err := e.offerQueued(ctx, d, len(rows))
	if err != nil {
		return err
	}
	if len(offered) == 0 {
		return NewPreconditionError("no queued agents to promote")
	}
	e.logger.Info("canary promoted", "deployment_id", id, "offered", len(offered))
	e.publishState(ctx, d, "canary_promoted")
	return nil
}

// AdvanceStage offers the next wave of a staged deployment.
func (e *Engine) AdvanceStage(ctx context.Context, orgID, id string) error {
	d, err := e.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if d.Strategy != models.RolloutStaged {
		return NewPreconditionError("deployment is not a staged rollout")
	}
	if d.State != models.DeploymentInProgress {
		return NewPreconditionError(fmt.Sprintf("deployment is %s", d.State))
	}

	offered, err := e.offerQueued(ctx, d, d.StageSize)
	if err != nil {
		return err
	}
	if len(offered) == 0 {
		return NewPreconditionError("no queued agents to advance")
	}
	e.logger.Info("stage advanced", "deployment_id", id, "offered", len(offered))
	return nil
}

// offerQueued flips up to max queued rows to offered, in agent id
// order, and notifies the push hook.
func (e *Engine) offerQueued(ctx context.Context, d *models.Deployment, max int) ([]string, error) {
	rows, err := e.store.ListStatuses(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var offered []string
	for _, row := range rows {
		if len(offered) >= max {
			break
		}
		if row.Phase != models.PhaseQueued {
			continue
		}
		row.Phase = models.PhaseOffered
		row.UpdatedAt = now
		if err := e.store.UpdateStatusCAS(ctx, row, models.PhaseQueued); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, fmt.Errorf("offer queued row: %w", err)
		}
		offered = append(offered, row.AgentID)
	}
	e.notifier.NotifyOffer(offered...)
	return offered, nil
}

// Rollback creates an immediate deployment returning every applied
// target of the given deployment to its previously applied document.
// The original is marked rolled_back once the rollback completes.
func (e *Engine) Rollback(ctx context.Context, orgID, id string) (*models.Deployment, error) {
	orig, err := e.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if orig.State == models.DeploymentRolledBack {
		return nil, NewPreconditionError("deployment is already rolled back")
	}
	if orig.Supersedes != "" {
		return nil, NewPreconditionError("cannot roll back a rollback deployment")
	}

	rows, err := e.store.ListStatuses(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.now()
	d := &models.Deployment{
		ID:               uuid.NewString(),
		OrgID:            orgID,
		Name:             fmt.Sprintf("rollback of %s", orig.ID),
		DocumentID:       orig.DocumentID,
		Strategy:         models.RolloutImmediate,
		TolerateFailures: true,
		State:            models.DeploymentInProgress,
		CreatedAt:        now,
		StartedAt:        now,
		Supersedes:       orig.ID,
	}

	var statuses []*models.AgentDeploymentStatus
	var offered []string
	for _, row := range rows {
		if row.Phase != models.PhaseApplied {
			continue
		}
		s := &models.AgentDeploymentStatus{
			DeploymentID: d.ID,
			AgentID:      row.AgentID,
			UpdatedAt:    now,
		}
		prevDoc, err := e.store.LastAppliedDocument(ctx, row.AgentID, orig.ID)
		if errors.Is(err, store.ErrNotFound) {
			s.Phase = models.PhaseSkipped
			s.Error = "no previously applied configuration to return to"
		} else if err != nil {
			return nil, fmt.Errorf("last applied document for %s: %w", row.AgentID, err)
		} else {
			s.Phase = models.PhaseOffered
			s.DocumentID = prevDoc
			offered = append(offered, row.AgentID)
		}
		statuses = append(statuses, s)
	}
	if len(statuses) == 0 {
		return nil, NewPreconditionError("no applied agents to roll back")
	}

	// Abandon the original's still-moving rows.
	for _, row := range rows {
		if row.Phase.Terminal() {
			continue
		}
		from := row.Phase
		row.Phase = models.PhaseSkipped
		row.Error = "deployment rolled back"
		row.UpdatedAt = now
		if err := e.store.UpdateStatusCAS(ctx, row, from); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("skip row during rollback: %w", err)
		}
	}

	if err := e.store.CreateDeployment(ctx, d, statuses); err != nil {
		return nil, fmt.Errorf("create rollback deployment: %w", err)
	}

	e.logger.Info("rollback started",
		"deployment_id", d.ID,
		"rolls_back", orig.ID,
		"targets", len(offered))
	e.publishState(ctx, d, "rollback_started")
	e.notifier.NotifyOffer(offered...)

	// A rollback with only skipped rows is immediately terminal.
	if err := e.maybeComplete(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// PendingOffer returns the configuration to offer an agent right now,
// or nil when nothing is in the offered phase for it.
func (e *Engine) PendingOffer(ctx context.Context, agent *models.Agent) (*opamp.RemoteConfig, *models.Deployment, error) {
	d, row, err := e.store.ActiveDeploymentForAgent(ctx, agent.OrgID, agent.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("active deployment lookup: %w", err)
	}
	if row.Phase != models.PhaseOffered {
		return nil, nil, nil
	}

	docID := d.DocumentID
	if row.DocumentID != "" {
		docID = row.DocumentID
	}
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, nil, fmt.Errorf("load offered document: %w", err)
	}

	hash, err := hex.DecodeString(doc.Hash)
	if err != nil {
		return nil, nil, fmt.Errorf("stored document hash corrupt: %w", err)
	}
	return &opamp.RemoteConfig{
		ConfigMap:  map[string][]byte{offerFilename: doc.Payload},
		ConfigHash: hash,
	}, d, nil
}

func (e *Engine) publishState(ctx context.Context, d *models.Deployment, reason string) {
	err := e.events.PublishDeploymentState(ctx, d.OrgID, events.DeploymentStatePayload{
		DeploymentID: d.ID,
		State:        string(d.State),
		Reason:       reason,
	})
	if err != nil {
		e.logger.Warn("deployment state event publish failed", "deployment_id", d.ID, "error", err)
	}
}

func (e *Engine) publishPhase(ctx context.Context, orgID string, row *models.AgentDeploymentStatus) {
	err := e.events.PublishAgentPhase(ctx, orgID, events.AgentPhasePayload{
		DeploymentID: row.DeploymentID,
		AgentID:      row.AgentID,
		Phase:        string(row.Phase),
		Error:        row.Error,
	})
	if err != nil {
		e.logger.Warn("agent phase event publish failed", "deployment_id", row.DeploymentID, "error", err)
	}
}
