package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
)

// --- DeploymentStore ---

const deploymentColumns = `id, organization_id, name, document_id, strategy,
	canary_percent, stage_size, stage_tag, targeting, tolerate_failures,
	state, created_at, started_at, completed_at, deadline, supersedes`

func scanDeployment(row pgx.Row) (*models.Deployment, error) {
	var d models.Deployment
	var targeting []byte
	err := row.Scan(
		&d.ID, &d.OrgID, &d.Name, &d.DocumentID, &d.Strategy,
		&d.CanaryPercent, &d.StageSize, &d.StageTag, &targeting, &d.TolerateFailures,
		&d.State, &d.CreatedAt, &d.StartedAt, &d.CompletedAt, &d.Deadline, &d.Supersedes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	d.Targeting, err = unmarshalAttrs(targeting)
	if err != nil {
		return nil, fmt.Errorf("stored targeting corrupt: %w", err)
	}
	return &d, nil
}

func (p *Postgres) CreateDeployment(ctx context.Context, d *models.Deployment, statuses []*models.AgentDeploymentStatus) error {
	targeting, err := marshalAttrs(d.Targeting)
	if err != nil {
		return fmt.Errorf("marshal targeting: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin deployment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		d.ID, d.OrgID, d.Name, d.DocumentID, d.Strategy,
		d.CanaryPercent, d.StageSize, d.StageTag, targeting, d.TolerateFailures,
		d.State, d.CreatedAt, d.StartedAt, d.CompletedAt, d.Deadline, d.Supersedes,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}

	for _, s := range statuses {
		_, err = tx.Exec(ctx, `
			INSERT INTO agent_deployment_statuses
				(deployment_id, agent_id, phase, document_id, last_reported_hash, error, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			s.DeploymentID, s.AgentID, s.Phase, s.DocumentID, s.LastReportedHash, s.Error, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert deployment status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit deployment tx: %w", err)
	}
	return nil
}

func (p *Postgres) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	return scanDeployment(row)
}

func (p *Postgres) listDeployments(ctx context.Context, q string, args ...any) ([]*models.Deployment, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) ListDeployments(ctx context.Context, orgID string) ([]*models.Deployment, error) {
	return p.listDeployments(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
}

func (p *Postgres) ListActiveDeployments(ctx context.Context, orgID string) ([]*models.Deployment, error) {
	return p.listDeployments(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE organization_id = $1 AND state IN ($2, $3)
		ORDER BY created_at DESC`,
		orgID, models.DeploymentPending, models.DeploymentInProgress)
}

func (p *Postgres) UpdateDeploymentState(ctx context.Context, id string, from, to models.DeploymentState, completedAt *time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE deployments SET state = $3, completed_at = $4
		WHERE id = $1 AND state = $2`,
		id, from, to, completedAt,
	)
	if err != nil {
		return fmt.Errorf("update deployment state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetDeployment(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

const statusColumns = `deployment_id, agent_id, phase, document_id, last_reported_hash, error, updated_at`

func scanStatus(row pgx.Row) (*models.AgentDeploymentStatus, error) {
	var s models.AgentDeploymentStatus
	err := row.Scan(&s.DeploymentID, &s.AgentID, &s.Phase, &s.DocumentID, &s.LastReportedHash, &s.Error, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan deployment status: %w", err)
	}
	return &s, nil
}

func (p *Postgres) GetStatus(ctx context.Context, deploymentID, agentID string) (*models.AgentDeploymentStatus, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+statusColumns+` FROM agent_deployment_statuses
		WHERE deployment_id = $1 AND agent_id = $2`, deploymentID, agentID)
	return scanStatus(row)
}

func (p *Postgres) ListStatuses(ctx context.Context, deploymentID string) ([]*models.AgentDeploymentStatus, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+statusColumns+` FROM agent_deployment_statuses
		WHERE deployment_id = $1 ORDER BY agent_id`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list deployment statuses: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentDeploymentStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateStatusCAS(ctx context.Context, s *models.AgentDeploymentStatus, fromPhase models.DeployPhase) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE agent_deployment_statuses
		SET phase = $3, document_id = $4, last_reported_hash = $5, error = $6, updated_at = $7
		WHERE deployment_id = $1 AND agent_id = $2 AND phase = $8`,
		s.DeploymentID, s.AgentID, s.Phase, s.DocumentID, s.LastReportedHash, s.Error, s.UpdatedAt, fromPhase,
	)
	if err != nil {
		return fmt.Errorf("update deployment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetStatus(ctx, s.DeploymentID, s.AgentID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) ExpiredDeployments(ctx context.Context, now time.Time) ([]*models.Deployment, error) {
	return p.listDeployments(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE state IN ($1, $2) AND deadline IS NOT NULL AND deadline < $3
		ORDER BY id`,
		models.DeploymentPending, models.DeploymentInProgress, now)
}

func (p *Postgres) ActiveDeploymentForAgent(ctx context.Context, orgID, agentID string) (*models.Deployment, *models.AgentDeploymentStatus, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT d.id, d.organization_id, d.name, d.document_id, d.strategy,
			d.canary_percent, d.stage_size, d.stage_tag, d.targeting, d.tolerate_failures,
			d.state, d.created_at, d.started_at, d.completed_at, d.deadline, d.supersedes,
			s.deployment_id, s.agent_id, s.phase, s.document_id, s.last_reported_hash, s.error, s.updated_at
		FROM deployments d
		JOIN agent_deployment_statuses s ON s.deployment_id = d.id
		WHERE d.organization_id = $1 AND s.agent_id = $2 AND d.state IN ($3, $4)
		ORDER BY d.created_at DESC
		LIMIT 1`,
		orgID, agentID, models.DeploymentPending, models.DeploymentInProgress)

	var d models.Deployment
	var s models.AgentDeploymentStatus
	var targeting []byte
	err := row.Scan(
		&d.ID, &d.OrgID, &d.Name, &d.DocumentID, &d.Strategy,
		&d.CanaryPercent, &d.StageSize, &d.StageTag, &targeting, &d.TolerateFailures,
		&d.State, &d.CreatedAt, &d.StartedAt, &d.CompletedAt, &d.Deadline, &d.Supersedes,
		&s.DeploymentID, &s.AgentID, &s.Phase, &s.DocumentID, &s.LastReportedHash, &s.Error, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("active deployment for agent: %w", err)
	}
	d.Targeting, err = unmarshalAttrs(targeting)
	if err != nil {
		return nil, nil, fmt.Errorf("stored targeting corrupt: %w", err)
	}
	return &d, &s, nil
}

func (p *Postgres) LastAppliedDocument(ctx context.Context, agentID, excludeDeploymentID string) (string, error) {
	var docID string
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(NULLIF(s.document_id, ''), d.document_id)
		FROM agent_deployment_statuses s
		JOIN deployments d ON d.id = s.deployment_id
		WHERE s.agent_id = $1 AND s.phase = $2 AND s.deployment_id <> $3
		ORDER BY s.updated_at DESC
		LIMIT 1`,
		agentID, models.PhaseApplied, excludeDeploymentID,
	).Scan(&docID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("last applied document: %w", err)
	}
	return docID, nil
}

// --- TokenStore ---

func (p *Postgres) CreateRegistrationToken(ctx context.Context, t *models.RegistrationToken) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO registration_tokens (id, organization_id, digest, salt, created_at, expires_at, consumed_at, revoked)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.OrgID, t.Digest, t.Salt, t.CreatedAt, t.ExpiresAt, t.ConsumedAt, t.Revoked,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert registration token: %w", err)
	}
	return nil
}

func (p *Postgres) GetRegistrationToken(ctx context.Context, id string) (*models.RegistrationToken, error) {
	var t models.RegistrationToken
	err := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, digest, salt, created_at, expires_at, consumed_at, revoked
		FROM registration_tokens WHERE id = $1`, id,
	).Scan(&t.ID, &t.OrgID, &t.Digest, &t.Salt, &t.CreatedAt, &t.ExpiresAt, &t.ConsumedAt, &t.Revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get registration token: %w", err)
	}
	return &t, nil
}

func (p *Postgres) ConsumeRegistrationToken(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE registration_tokens SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND NOT revoked`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("consume registration token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetRegistrationToken(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) RevokeRegistrationToken(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE registration_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke registration token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- TicketStore ---

func (p *Postgres) CreateTicket(ctx context.Context, t *models.ConfigRequestTicket) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO config_request_tickets (id, agent_id, state, created_at, expires_at, result)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.AgentID, t.State, t.CreatedAt, t.ExpiresAt, t.Result,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func scanTicket(row pgx.Row) (*models.ConfigRequestTicket, error) {
	var t models.ConfigRequestTicket
	err := row.Scan(&t.ID, &t.AgentID, &t.State, &t.CreatedAt, &t.ExpiresAt, &t.Result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	return &t, nil
}

func (p *Postgres) GetTicket(ctx context.Context, id string) (*models.ConfigRequestTicket, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, agent_id, state, created_at, expires_at, result
		FROM config_request_tickets WHERE id = $1`, id)
	return scanTicket(row)
}

func (p *Postgres) PendingTicketForAgent(ctx context.Context, agentID string) (*models.ConfigRequestTicket, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, agent_id, state, created_at, expires_at, result
		FROM config_request_tickets
		WHERE agent_id = $1 AND state = $2
		ORDER BY created_at ASC
		LIMIT 1`, agentID, models.TicketPending)
	return scanTicket(row)
}

func (p *Postgres) ResolveTicket(ctx context.Context, id string, state models.TicketState, result []byte) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE config_request_tickets SET state = $2, result = $3
		WHERE id = $1 AND state = $4`,
		id, state, result, models.TicketPending,
	)
	if err != nil {
		return fmt.Errorf("resolve ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetTicket(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *Postgres) ExpireTickets(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE config_request_tickets SET state = $1
		WHERE state = $2 AND expires_at < $3`,
		models.TicketExpired, models.TicketPending, now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire tickets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
