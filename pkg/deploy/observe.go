package deploy

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
)

// Observe folds an inbound message's delta into deployment progress.
// Phase movement is event driven: the agent's remote config status and
// effective configuration reports are the only things that move a row
// past offered.
func (e *Engine) Observe(ctx context.Context, delta *registry.Delta) error {
	if delta == nil || delta.Agent == nil || delta.OutOfOrder {
		return nil
	}
	agent := delta.Agent

	d, row, err := e.store.ActiveDeploymentForAgent(ctx, agent.OrgID, agent.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("active deployment lookup: %w", err)
	}
	if row.Phase.Terminal() || row.Phase == models.PhaseQueued {
		return nil
	}

	docID := d.DocumentID
	if row.DocumentID != "" {
		docID = row.DocumentID
	}
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("load deployment document: %w", err)
	}
	docHash, err := hex.DecodeString(doc.Hash)
	if err != nil {
		return fmt.Errorf("stored document hash corrupt: %w", err)
	}

	report := delta.StatusReport
	if report == nil || !bytes.Equal(report.LastRemoteConfigHash, docHash) {
		// The agent is talking about some other configuration; this
		// deployment's row does not move.
		return nil
	}

	switch report.Status {
	case opamp.RemoteConfigStatusApplying:
		if row.Phase == models.PhaseOffered {
			return e.moveRow(ctx, d, row, models.PhaseApplying, report.LastRemoteConfigHash, "")
		}
		return nil

	case opamp.RemoteConfigStatusApplied:
		if bytes.Equal(agent.EffectiveHash, docHash) {
			return e.moveRow(ctx, d, row, models.PhaseApplied, report.LastRemoteConfigHash, "")
		}
		// The agent claims success but runs a different effective
		// configuration; treat as failure rather than report false
		// convergence.
		return e.moveRow(ctx, d, row, models.PhaseFailed, report.LastRemoteConfigHash,
			"agent reported applied but effective configuration diverges")

	case opamp.RemoteConfigStatusFailed:
		msg := report.ErrorMessage
		if msg == "" {
			msg = "agent reported failure"
		}
		return e.moveRow(ctx, d, row, models.PhaseFailed, report.LastRemoteConfigHash, msg)
	}
	return nil
}

// moveRow transitions a status row, then runs the deployment-level
// consequences: failure propagation, staged auto-advance, completion.
func (e *Engine) moveRow(ctx context.Context, d *models.Deployment, row *models.AgentDeploymentStatus, to models.DeployPhase, reportedHash []byte, errMsg string) error {
	from := row.Phase
	row.Phase = to
	row.LastReportedHash = reportedHash
	row.Error = errMsg
	row.UpdatedAt = e.now()
	if err := e.store.UpdateStatusCAS(ctx, row, from); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another worker already moved this row.
			return nil
		}
		return fmt.Errorf("update status row: %w", err)
	}

	e.logger.Info("agent deployment phase changed",
		"deployment_id", d.ID,
		"agent_id", row.AgentID,
		"from", from,
		"to", to,
		"error", errMsg)
	e.publishPhase(ctx, d.OrgID, row)

	if to == models.PhaseFailed && !d.TolerateFailures {
		return e.failDeployment(ctx, d, fmt.Sprintf("agent %s failed: %s", row.AgentID, errMsg))
	}
	if !to.Terminal() {
		return nil
	}
	if d.Strategy == models.RolloutStaged {
		if err := e.autoAdvanceStage(ctx, d); err != nil {
			return err
		}
	}
	return e.maybeComplete(ctx, d)
}

// autoAdvanceStage offers the next wave once the current one has no
// in-flight rows left.
func (e *Engine) autoAdvanceStage(ctx context.Context, d *models.Deployment) error {
	rows, err := e.store.ListStatuses(ctx, d.ID)
	if err != nil {
		return err
	}
	queued := 0
	for _, row := range rows {
		switch row.Phase {
		case models.PhaseOffered, models.PhaseApplying:
			return nil // wave still moving
		case models.PhaseQueued:
			queued++
		}
	}
	if queued == 0 {
		return nil
	}
	offered, err := e.offerQueued(ctx, d, d.StageSize)
	if err != nil {
		return err
	}
	if len(offered) > 0 {
		e.logger.Info("stage auto-advanced", "deployment_id", d.ID, "offered", len(offered))
	}
	return nil
}

// maybeComplete finalizes a deployment once every row is terminal.
// Completion requires at least one applied target; a rollout whose rows
// all ended skipped or failed delivered nothing and finalizes as
// failed.
func (e *Engine) maybeComplete(ctx context.Context, d *models.Deployment) error {
	rows, err := e.store.ListStatuses(ctx, d.ID)
	if err != nil {
		return err
	}
	anyFailed, anyApplied := false, false
	for _, row := range rows {
		if !row.Phase.Terminal() {
			return nil
		}
		switch row.Phase {
		case models.PhaseFailed:
			anyFailed = true
		case models.PhaseApplied:
			anyApplied = true
		}
	}

	to := models.DeploymentCompleted
	reason := "all targets terminal"
	switch {
	case anyFailed && !d.TolerateFailures:
		to = models.DeploymentFailed
	case !anyApplied:
		to = models.DeploymentFailed
		reason = "no targets applied"
	}
	now := e.now()
	if err := e.store.UpdateDeploymentState(ctx, d.ID, d.State, to, &now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("finalize deployment: %w", err)
	}
	d.State = to
	d.CompletedAt = &now

	e.logger.Info("deployment finished", "deployment_id", d.ID, "state", to, "reason", reason)
	e.publishState(ctx, d, reason)

	if to == models.DeploymentCompleted && d.Supersedes != "" {
		e.markRolledBack(ctx, d.Supersedes)
	}
	return nil
}

// markRolledBack flips the deployment a completed rollback superseded.
func (e *Engine) markRolledBack(ctx context.Context, id string) {
	orig, err := e.store.GetDeployment(ctx, id)
	if err != nil {
		e.logger.Warn("superseded deployment lookup failed", "deployment_id", id, "error", err)
		return
	}
	if orig.State == models.DeploymentRolledBack {
		return
	}
	if !orig.State.CanTransitionTo(models.DeploymentRolledBack) {
		e.logger.Warn("superseded deployment cannot be marked rolled back",
			"deployment_id", id, "state", orig.State)
		return
	}
	now := e.now()
	if err := e.store.UpdateDeploymentState(ctx, id, orig.State, models.DeploymentRolledBack, &now); err != nil {
		e.logger.Warn("failed to mark deployment rolled back", "deployment_id", id, "error", err)
		return
	}
	orig.State = models.DeploymentRolledBack
	e.publishState(ctx, orig, "rollback completed")
}

// failDeployment aborts a deployment: every still-moving row is
// skipped and the state goes to failed.
func (e *Engine) failDeployment(ctx context.Context, d *models.Deployment, reason string) error {
	rows, err := e.store.ListStatuses(ctx, d.ID)
	if err != nil {
		return err
	}
	now := e.now()
	for _, row := range rows {
		if row.Phase.Terminal() {
			continue
		}
		from := row.Phase
		row.Phase = models.PhaseSkipped
		row.Error = "deployment failed"
		row.UpdatedAt = now
		if err := e.store.UpdateStatusCAS(ctx, row, from); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("skip row on failure: %w", err)
		}
		e.publishPhase(ctx, d.OrgID, row)
	}

	if err := e.store.UpdateDeploymentState(ctx, d.ID, d.State, models.DeploymentFailed, &now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("fail deployment: %w", err)
	}
	d.State = models.DeploymentFailed
	d.CompletedAt = &now

	e.logger.Warn("deployment failed", "deployment_id", d.ID, "reason", reason)
	e.publishState(ctx, d, reason)
	return nil
}
