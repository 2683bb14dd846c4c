package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyPayloadLimit keeps NOTIFY payloads under PostgreSQL's 8000-byte
// cap with headroom for the injected event id.
const notifyPayloadLimit = 7500

// Publisher is the event emission surface the services depend on.
type Publisher interface {
	PublishAgentRegistered(ctx context.Context, orgID string, payload AgentRegisteredPayload) error
	PublishAgentStatus(ctx context.Context, orgID string, payload AgentStatusPayload) error
	PublishDeploymentState(ctx context.Context, orgID string, payload DeploymentStatePayload) error
	PublishAgentPhase(ctx context.Context, orgID string, payload AgentPhasePayload) error
}

// PgPublisher persists events and broadcasts them via NOTIFY so every
// replica's listeners see them.
type PgPublisher struct {
	pool *pgxpool.Pool
}

// NewPgPublisher creates a publisher over the shared pool.
func NewPgPublisher(pool *pgxpool.Pool) *PgPublisher {
	return &PgPublisher{pool: pool}
}

var _ Publisher = (*PgPublisher)(nil)

// PublishAgentRegistered persists and broadcasts an agent.registered event.
func (p *PgPublisher) PublishAgentRegistered(ctx context.Context, orgID string, payload AgentRegisteredPayload) error {
	payload.Type = TypeAgentRegistered
	return p.persistAndNotify(ctx, OrgChannel(orgID), payload)
}

// PublishAgentStatus broadcasts a transient agent.status event. Health
// reports are high frequency and lossy delivery is acceptable, so they
// are not persisted.
func (p *PgPublisher) PublishAgentStatus(ctx context.Context, orgID string, payload AgentStatusPayload) error {
	payload.Type = TypeAgentStatus
	return p.notifyOnly(ctx, OrgChannel(orgID), payload)
}

// PublishDeploymentState persists and broadcasts a deployment.state event.
func (p *PgPublisher) PublishDeploymentState(ctx context.Context, orgID string, payload DeploymentStatePayload) error {
	payload.Type = TypeDeploymentState
	return p.persistAndNotify(ctx, OrgChannel(orgID), payload)
}

// PublishAgentPhase persists and broadcasts a deployment.agent_phase event.
func (p *PgPublisher) PublishAgentPhase(ctx context.Context, orgID string, payload AgentPhasePayload) error {
	payload.Type = TypeDeploymentAgentPhase
	return p.persistAndNotify(ctx, OrgChannel(orgID), payload)
}

// persistAndNotify inserts the event and fires pg_notify in one
// transaction; the notification is held until COMMIT so subscribers
// never see an id that is not yet queryable.
func (p *PgPublisher) persistAndNotify(ctx context.Context, channel string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var eventID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO control_events (channel, payload, created_at) VALUES ($1, $2, $3) RETURNING id`,
		channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	notifyPayload, err := injectEventID(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts without persisting.
func (p *PgPublisher) notifyOnly(ctx context.Context, channel string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if len(payloadJSON) > notifyPayloadLimit {
		return fmt.Errorf("transient event payload exceeds notify limit (%d bytes)", len(payloadJSON))
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payloadJSON)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectEventID adds db_event_id to the NOTIFY payload so clients can
// track their catchup position. Oversized payloads degrade to a stub
// that points the client at the catchup query.
func injectEventID(payloadJSON []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("reparse event payload: %w", err)
	}
	m["db_event_id"] = eventID

	out, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("remarshal event payload: %w", err)
	}
	if len(out) <= notifyPayloadLimit {
		return string(out), nil
	}

	stub, err := json.Marshal(map[string]any{
		"type":        m["type"],
		"db_event_id": eventID,
		"truncated":   true,
	})
	if err != nil {
		return "", err
	}
	return string(stub), nil
}

// CatchupEvent is one stored event row replayed to a late subscriber.
type CatchupEvent struct {
	ID      int
	Payload map[string]any
}

// GetCatchupEvents returns stored events on a channel after sinceID,
// oldest first, capped at limit.
func (p *PgPublisher) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, payload FROM control_events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("catchup query: %w", err)
	}
	defer rows.Close()

	var out []CatchupEvent
	for rows.Next() {
		var evt CatchupEvent
		var raw []byte
		if err := rows.Scan(&evt.ID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &evt.Payload); err != nil {
			return nil, fmt.Errorf("stored event payload corrupt: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// NopPublisher discards every event. Used in tests and single-process
// setups without PostgreSQL.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

func (NopPublisher) PublishAgentRegistered(context.Context, string, AgentRegisteredPayload) error {
	return nil
}
func (NopPublisher) PublishAgentStatus(context.Context, string, AgentStatusPayload) error { return nil }
func (NopPublisher) PublishDeploymentState(context.Context, string, DeploymentStatePayload) error {
	return nil
}
func (NopPublisher) PublishAgentPhase(context.Context, string, AgentPhasePayload) error { return nil }
