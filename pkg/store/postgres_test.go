package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	testdb "github.com/Prad-v/FlowGate-sub000/test/database"
)

func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	return NewPostgres(testdb.NewTestPool(t))
}

func pgAgent(n byte) *models.Agent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Agent{
		ID:                uuid.NewString(),
		OrgID:             "org-1",
		Name:              "gw",
		InstanceUID:       uidWith(n),
		ManagementMode:    models.ManagementModeSupervisor,
		LastSeen:          now,
		RegistrationState: models.RegistrationStateActive,
		CreatedAt:         now,
	}
}

func pgDocument(t *testing.T, p *Postgres, payload string) *models.ConfigDocument {
	t.Helper()
	doc, err := p.PutDocument(context.Background(), &models.ConfigDocument{
		ID:        uuid.NewString(),
		OrgID:     "org-1",
		Payload:   []byte(payload),
		Hash:      models.HashPayload([]byte(payload)),
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return doc
}

func TestPostgresAgentCRUD(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	a := pgAgent(1)
	a.IdentifyingAttrs = map[string]string{"region": "eu-west"}
	require.NoError(t, p.CreateAgent(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	got, err := p.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.InstanceUID, got.InstanceUID)
	assert.Equal(t, a.IdentifyingAttrs, got.IdentifyingAttrs)
	assert.Equal(t, models.RegistrationStateActive, got.RegistrationState)

	byUID, err := p.GetAgentByInstanceUID(ctx, a.InstanceUID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byUID.ID)

	// The instance uid is unique across organizations.
	dup := pgAgent(1)
	dup.OrgID = "org-2"
	assert.ErrorIs(t, p.CreateAgent(ctx, dup), ErrAlreadyExists)

	require.NoError(t, p.DeleteAgent(ctx, a.ID))
	_, err = p.GetAgent(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, p.DeleteAgent(ctx, a.ID), ErrNotFound)
}

func TestPostgresAgentCAS(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	a := pgAgent(2)
	require.NoError(t, p.CreateAgent(ctx, a))

	a.LastSequenceNum = 7
	a.EffectiveHash = []byte{0xaa, 0xbb}
	require.NoError(t, p.UpdateAgentCAS(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	got, err := p.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.LastSequenceNum)
	assert.Equal(t, []byte{0xaa, 0xbb}, got.EffectiveHash)

	// A writer holding the old version loses.
	stale := *got
	stale.Version = 1
	assert.ErrorIs(t, p.UpdateAgentCAS(ctx, &stale), ErrConflict)

	missing := pgAgent(3)
	missing.Version = 1
	assert.ErrorIs(t, p.UpdateAgentCAS(ctx, missing), ErrNotFound)
}

func TestPostgresListAgentsFilter(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	a := pgAgent(4)
	a.IdentifyingAttrs = map[string]string{"region": "eu-west", "env": "prod"}
	require.NoError(t, p.CreateAgent(ctx, a))

	b := pgAgent(5)
	b.IdentifyingAttrs = map[string]string{"region": "us-east"}
	b.RegistrationState = models.RegistrationStateRegistered
	require.NoError(t, p.CreateAgent(ctx, b))

	all, err := p.ListAgents(ctx, "org-1", models.AgentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := p.ListAgents(ctx, "org-1", models.AgentFilter{RegistrationState: models.RegistrationStateActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	byAttr, err := p.ListAgents(ctx, "org-1", models.AgentFilter{Attrs: map[string]string{"region": "eu-west"}})
	require.NoError(t, err)
	require.Len(t, byAttr, 1)
	assert.Equal(t, a.ID, byAttr[0].ID)

	other, err := p.ListAgents(ctx, "org-9", models.AgentFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestPostgresMarkAgentsInactive(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	silent := pgAgent(6)
	silent.LastSeen = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, p.CreateAgent(ctx, silent))

	fresh := pgAgent(7)
	require.NoError(t, p.CreateAgent(ctx, fresh))

	ids, err := p.MarkAgentsInactive(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{silent.ID}, ids)

	got, err := p.GetAgent(ctx, silent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationStateInactive, got.RegistrationState)
}

func TestPostgresDocumentContentAddressing(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	first := pgDocument(t, p, "receivers: {}\n")

	// Same payload resolves to the already stored document.
	again, err := p.PutDocument(ctx, &models.ConfigDocument{
		ID:        uuid.NewString(),
		OrgID:     "org-1",
		Payload:   []byte("receivers: {}\n"),
		Hash:      models.HashPayload([]byte("receivers: {}\n")),
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	got, err := p.GetDocument(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("receivers: {}\n"), got.Payload)

	_, err = p.GetDocumentByHash(ctx, "org-2", first.Hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresDeploymentLifecycle(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	doc := pgDocument(t, p, "exporters: {}\n")
	d := &models.Deployment{
		ID:         uuid.NewString(),
		OrgID:      "org-1",
		Name:       "rollout",
		DocumentID: doc.ID,
		Strategy:   models.RolloutImmediate,
		State:      models.DeploymentInProgress,
		CreatedAt:  now,
		StartedAt:  now,
	}
	rows := []*models.AgentDeploymentStatus{
		{DeploymentID: d.ID, AgentID: "agent-a", Phase: models.PhaseOffered, UpdatedAt: now},
		{DeploymentID: d.ID, AgentID: "agent-b", Phase: models.PhaseQueued, UpdatedAt: now},
	}
	require.NoError(t, p.CreateDeployment(ctx, d, rows))

	got, err := p.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentInProgress, got.State)

	statuses, err := p.ListStatuses(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "agent-a", statuses[0].AgentID)

	active, err := p.ListActiveDeployments(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	ad, row, err := p.ActiveDeploymentForAgent(ctx, "org-1", "agent-a")
	require.NoError(t, err)
	assert.Equal(t, d.ID, ad.ID)
	assert.Equal(t, models.PhaseOffered, row.Phase)

	// Phase CAS: the stored phase must match.
	row.Phase = models.PhaseApplying
	row.UpdatedAt = time.Now().UTC()
	require.NoError(t, p.UpdateStatusCAS(ctx, row, models.PhaseOffered))
	assert.ErrorIs(t, p.UpdateStatusCAS(ctx, row, models.PhaseOffered), ErrConflict)

	// State CAS: the stored state must match.
	completed := time.Now().UTC()
	assert.ErrorIs(t,
		p.UpdateDeploymentState(ctx, d.ID, models.DeploymentPending, models.DeploymentCompleted, &completed),
		ErrConflict)
	require.NoError(t,
		p.UpdateDeploymentState(ctx, d.ID, models.DeploymentInProgress, models.DeploymentCompleted, &completed))

	got, err = p.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentCompleted, got.State)
	require.NotNil(t, got.CompletedAt)

	active, err = p.ListActiveDeployments(ctx, "org-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPostgresExpiredDeployments(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	doc := pgDocument(t, p, "processors: {}\n")
	past := now.Add(-time.Minute)
	expired := &models.Deployment{
		ID: uuid.NewString(), OrgID: "org-1", DocumentID: doc.ID,
		Strategy: models.RolloutImmediate, State: models.DeploymentInProgress,
		CreatedAt: now, StartedAt: now, Deadline: &past,
	}
	require.NoError(t, p.CreateDeployment(ctx, expired, nil))

	open := &models.Deployment{
		ID: uuid.NewString(), OrgID: "org-1", DocumentID: doc.ID,
		Strategy: models.RolloutImmediate, State: models.DeploymentInProgress,
		CreatedAt: now, StartedAt: now,
	}
	require.NoError(t, p.CreateDeployment(ctx, open, nil))

	got, err := p.ExpiredDeployments(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.ID, got[0].ID)
}

func TestPostgresLastAppliedDocument(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	docOld := pgDocument(t, p, "old\n")
	docNew := pgDocument(t, p, "new\n")

	older := &models.Deployment{
		ID: uuid.NewString(), OrgID: "org-1", DocumentID: docOld.ID,
		Strategy: models.RolloutImmediate, State: models.DeploymentCompleted,
		CreatedAt: now.Add(-2 * time.Hour), StartedAt: now.Add(-2 * time.Hour),
	}
	require.NoError(t, p.CreateDeployment(ctx, older, []*models.AgentDeploymentStatus{
		{DeploymentID: older.ID, AgentID: "agent-a", Phase: models.PhaseApplied, UpdatedAt: now.Add(-2 * time.Hour)},
	}))

	newer := &models.Deployment{
		ID: uuid.NewString(), OrgID: "org-1", DocumentID: docNew.ID,
		Strategy: models.RolloutImmediate, State: models.DeploymentInProgress,
		CreatedAt: now, StartedAt: now,
	}
	require.NoError(t, p.CreateDeployment(ctx, newer, []*models.AgentDeploymentStatus{
		{DeploymentID: newer.ID, AgentID: "agent-a", Phase: models.PhaseOffered, UpdatedAt: now},
	}))

	docID, err := p.LastAppliedDocument(ctx, "agent-a", newer.ID)
	require.NoError(t, err)
	assert.Equal(t, docOld.ID, docID)

	_, err = p.LastAppliedDocument(ctx, "agent-z", newer.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRegistrationTokenSingleUse(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tok := &models.RegistrationToken{
		ID: uuid.NewString(), OrgID: "org-1",
		Digest: []byte{1}, Salt: []byte{2},
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, p.CreateRegistrationToken(ctx, tok))

	require.NoError(t, p.ConsumeRegistrationToken(ctx, tok.ID, now))
	assert.ErrorIs(t, p.ConsumeRegistrationToken(ctx, tok.ID, now), ErrConflict)

	got, err := p.GetRegistrationToken(ctx, tok.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ConsumedAt)

	revoked := &models.RegistrationToken{
		ID: uuid.NewString(), OrgID: "org-1",
		Digest: []byte{1}, Salt: []byte{2},
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, p.CreateRegistrationToken(ctx, revoked))
	require.NoError(t, p.RevokeRegistrationToken(ctx, revoked.ID))
	assert.ErrorIs(t, p.ConsumeRegistrationToken(ctx, revoked.ID, now), ErrConflict)

	assert.ErrorIs(t, p.RevokeRegistrationToken(ctx, "missing"), ErrNotFound)
}

func TestPostgresTicketLifecycle(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := &models.ConfigRequestTicket{
		ID: uuid.NewString(), AgentID: "agent-a", State: models.TicketPending,
		CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour),
	}
	second := &models.ConfigRequestTicket{
		ID: uuid.NewString(), AgentID: "agent-a", State: models.TicketPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, p.CreateTicket(ctx, first))
	require.NoError(t, p.CreateTicket(ctx, second))

	// Oldest pending ticket wins.
	pending, err := p.PendingTicketForAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, pending.ID)

	require.NoError(t, p.ResolveTicket(ctx, first.ID, models.TicketCompleted, []byte("cfg")))
	assert.ErrorIs(t, p.ResolveTicket(ctx, first.ID, models.TicketCompleted, nil), ErrConflict)

	got, err := p.GetTicket(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketCompleted, got.State)
	assert.Equal(t, []byte("cfg"), got.Result)

	// Push the remaining pending ticket past its deadline.
	_, err = p.pool.Exec(ctx, `UPDATE config_request_tickets SET expires_at = $2 WHERE id = $1`,
		second.ID, now.Add(-time.Second))
	require.NoError(t, err)

	n, err := p.ExpireTickets(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = p.PendingTicketForAgent(ctx, "agent-a")
	assert.ErrorIs(t, err, ErrNotFound)
}
