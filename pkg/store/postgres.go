package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
)

// Postgres implements Store on a pgx connection pool. Row versioning
// backs the CAS contract; deployment creation is transactional.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The schema must already be
// migrated (see pkg/database).
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Store = (*Postgres)(nil)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func marshalAttrs(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return json.Marshal(attrs)
}

func unmarshalAttrs(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var attrs map[string]string
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}

// --- AgentStore ---

const agentColumns = `id, organization_id, name, instance_uid, identifying_attrs,
	management_mode, agent_capabilities, server_capabilities, last_seen,
	last_sequence_num, effective_config_hash, remote_config_hash,
	remote_config_status, healthy, health_start_time_nanos, health_last_error,
	registration_state, created_at, version`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	var uid []byte
	var attrs []byte
	var caps, serverCaps, seq, startNanos int64
	var status int32
	err := row.Scan(
		&a.ID, &a.OrgID, &a.Name, &uid, &attrs,
		&a.ManagementMode, &caps, &serverCaps, &a.LastSeen,
		&seq, &a.EffectiveHash, &a.RemoteHash,
		&status, &a.Health.Healthy, &startNanos, &a.Health.LastError,
		&a.RegistrationState, &a.CreatedAt, &a.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.InstanceUID, err = opamp.InstanceUIDFromBytes(uid)
	if err != nil {
		return nil, fmt.Errorf("stored instance_uid corrupt: %w", err)
	}
	a.IdentifyingAttrs, err = unmarshalAttrs(attrs)
	if err != nil {
		return nil, fmt.Errorf("stored identifying_attrs corrupt: %w", err)
	}
	a.AgentCapabilities = uint64(caps)
	a.ServerCapabilities = uint64(serverCaps)
	a.LastSequenceNum = uint64(seq)
	a.Health.StartTimeNanos = uint64(startNanos)
	a.RemoteConfigStatus = opamp.RemoteConfigStatus(status)
	return &a, nil
}

func (p *Postgres) CreateAgent(ctx context.Context, a *models.Agent) error {
	attrs, err := marshalAttrs(a.IdentifyingAttrs)
	if err != nil {
		return fmt.Errorf("marshal identifying_attrs: %w", err)
	}
	a.Version = 1
	_, err = p.pool.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		a.ID, a.OrgID, a.Name, a.InstanceUID[:], attrs,
		a.ManagementMode, int64(a.AgentCapabilities), int64(a.ServerCapabilities), a.LastSeen,
		int64(a.LastSequenceNum), a.EffectiveHash, a.RemoteHash,
		int32(a.RemoteConfigStatus), a.Health.Healthy, int64(a.Health.StartTimeNanos), a.Health.LastError,
		a.RegistrationState, a.CreatedAt, a.Version,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (p *Postgres) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (p *Postgres) GetAgentByInstanceUID(ctx context.Context, uid opamp.InstanceUID) (*models.Agent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE instance_uid = $1`, uid[:])
	return scanAgent(row)
}

func (p *Postgres) UpdateAgentCAS(ctx context.Context, a *models.Agent) error {
	attrs, err := marshalAttrs(a.IdentifyingAttrs)
	if err != nil {
		return fmt.Errorf("marshal identifying_attrs: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE agents SET
			name = $2, identifying_attrs = $3, management_mode = $4,
			agent_capabilities = $5, server_capabilities = $6, last_seen = $7,
			last_sequence_num = $8, effective_config_hash = $9, remote_config_hash = $10,
			remote_config_status = $11, healthy = $12, health_start_time_nanos = $13,
			health_last_error = $14, registration_state = $15, version = version + 1
		WHERE id = $1 AND version = $16`,
		a.ID, a.Name, attrs, a.ManagementMode,
		int64(a.AgentCapabilities), int64(a.ServerCapabilities), a.LastSeen,
		int64(a.LastSequenceNum), a.EffectiveHash, a.RemoteHash,
		int32(a.RemoteConfigStatus), a.Health.Healthy, int64(a.Health.StartTimeNanos),
		a.Health.LastError, a.RegistrationState, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Row missing or version moved underneath us.
		if _, getErr := p.GetAgent(ctx, a.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	a.Version++
	return nil
}

func (p *Postgres) ListAgents(ctx context.Context, orgID string, f models.AgentFilter) ([]*models.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE organization_id = $1`
	args := []any{orgID}
	if f.RegistrationState != "" {
		args = append(args, f.RegistrationState)
		q += fmt.Sprintf(" AND registration_state = $%d", len(args))
	}
	if f.ManagementMode != "" {
		args = append(args, f.ManagementMode)
		q += fmt.Sprintf(" AND management_mode = $%d", len(args))
	}
	if len(f.Attrs) > 0 {
		attrs, err := marshalAttrs(f.Attrs)
		if err != nil {
			return nil, err
		}
		args = append(args, attrs)
		q += fmt.Sprintf(" AND identifying_attrs @> $%d", len(args))
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkAgentsInactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE agents
		SET registration_state = $1, version = version + 1
		WHERE registration_state = $2 AND last_seen < $3
		RETURNING id`,
		models.RegistrationStateInactive, models.RegistrationStateActive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("mark agents inactive: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) DeleteAgent(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- DocumentStore ---

func (p *Postgres) PutDocument(ctx context.Context, d *models.ConfigDocument) (*models.ConfigDocument, error) {
	// Content-addressed: an insert racing with an equal-hash document
	// resolves to the already stored one.
	_, err := p.pool.Exec(ctx, `
		INSERT INTO config_documents (id, organization_id, payload, hash, created_at, origin_ref)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (organization_id, hash) DO NOTHING`,
		d.ID, d.OrgID, d.Payload, d.Hash, d.CreatedAt, d.OriginRef,
	)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return p.GetDocumentByHash(ctx, d.OrgID, d.Hash)
}

func scanDocument(row pgx.Row) (*models.ConfigDocument, error) {
	var d models.ConfigDocument
	err := row.Scan(&d.ID, &d.OrgID, &d.Payload, &d.Hash, &d.CreatedAt, &d.OriginRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &d, nil
}

func (p *Postgres) GetDocument(ctx context.Context, id string) (*models.ConfigDocument, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, payload, hash, created_at, origin_ref
		FROM config_documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (p *Postgres) GetDocumentByHash(ctx context.Context, orgID, hash string) (*models.ConfigDocument, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, payload, hash, created_at, origin_ref
		FROM config_documents WHERE organization_id = $1 AND hash = $2`, orgID, hash)
	return scanDocument(row)
}
