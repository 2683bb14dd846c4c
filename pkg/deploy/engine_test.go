package deploy

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prad-v/FlowGate-sub000/pkg/events"
	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return NewEngine(st, events.NopPublisher{}, slog.Default()), st
}

func seedAgent(t *testing.T, st store.Store, n byte) *models.Agent {
	t.Helper()
	var uid opamp.InstanceUID
	uid[15] = n
	a := &models.Agent{
		ID:                fmt.Sprintf("agent-%02d", n),
		OrgID:             "org-1",
		InstanceUID:       uid,
		ManagementMode:    models.ManagementModeSupervisor,
		RegistrationState: models.RegistrationStateActive,
		LastSeen:          time.Now(),
	}
	require.NoError(t, st.CreateAgent(context.Background(), a))
	return a
}

func seedDocument(t *testing.T, e *Engine, body string) *models.ConfigDocument {
	t.Helper()
	doc, err := e.CreateDocument(context.Background(), "org-1", []byte(body), "")
	require.NoError(t, err)
	return doc
}

func docHashBytes(t *testing.T, doc *models.ConfigDocument) []byte {
	t.Helper()
	b, err := hex.DecodeString(doc.Hash)
	require.NoError(t, err)
	return b
}

func phases(t *testing.T, st store.Store, depID string) map[string]models.DeployPhase {
	t.Helper()
	rows, err := st.ListStatuses(context.Background(), depID)
	require.NoError(t, err)
	out := make(map[string]models.DeployPhase, len(rows))
	for _, r := range rows {
		out[r.AgentID] = r.Phase
	}
	return out
}

func TestCreateDeploymentImmediate(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	for n := byte(1); n <= 3; n++ {
		seedAgent(t, st, n)
	}
	doc := seedDocument(t, e, "receivers: {}\n")

	d, err := e.CreateDeployment(ctx, "org-1", CreateRequest{
		Name:       "rollout-1",
		DocumentID: doc.ID,
		Strategy:   "immediate",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentInProgress, d.State)

	got := phases(t, st, d.ID)
	require.Len(t, got, 3)
	for agentID, phase := range got {
		assert.Equal(t, models.PhaseOffered, phase, agentID)
	}
}

func TestCreateDeploymentValidation(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedAgent(t, st, 1)
	doc := seedDocument(t, e, "receivers: {}\n")

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"bad strategy", CreateRequest{DocumentID: doc.ID, Strategy: "bluegreen"}},
		{"canary percent low", CreateRequest{DocumentID: doc.ID, Strategy: "canary", CanaryPercent: 0}},
		{"canary percent high", CreateRequest{DocumentID: doc.ID, Strategy: "canary", CanaryPercent: 101}},
		{"stage size", CreateRequest{DocumentID: doc.ID, Strategy: "staged", StageSize: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateDeployment(ctx, "org-1", tt.req)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}

	_, err := e.CreateDeployment(ctx, "org-1", CreateRequest{DocumentID: "no-such-doc", Strategy: "immediate"})
	assert.ErrorIs(t, err, ErrNotFound)

	// Document in another org looks missing.
	otherDoc := &models.ConfigDocument{ID: "d-other", OrgID: "org-2", Payload: []byte("x"), Hash: models.HashPayload([]byte("x"))}
	_, err = st.PutDocument(ctx, otherDoc)
	require.NoError(t, err)
	_, err = e.CreateDeployment(ctx, "org-1", CreateRequest{DocumentID: "d-other", Strategy: "immediate"})
	assert.ErrorIs(t, err, ErrNotFound)

	// No matching targets.
	_, err = e.CreateDeployment(ctx, "org-1", CreateRequest{
		DocumentID: doc.ID,
		Strategy:   "immediate",
		Targeting:  map[string]string{"region": "nowhere"},
	})
	var pe *PreconditionError
	assert.ErrorAs(t, err, &pe)
}

func TestCanaryBatching(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	for n := byte(1); n <= 5; n++ {
		seedAgent(t, st, n)
	}
	doc := seedDocument(t, e, "receivers: {}\n")

	// 30% of 5 rounds up to 2.
	d, err := e.CreateDeployment(ctx, "org-1", CreateRequest{
		DocumentID:    doc.ID,
		Strategy:      "canary",
		CanaryPercent: 30,
	})
	require.NoError(t, err)

	got := phases(t, st, d.ID)
	offered := 0
	for _, phase := range got {
		if phase == models.PhaseOffered {
			offered++
		}
	}
	assert.Equal(t, 2, offered)
	// Canary cohort is the lowest agent ids.
	assert.Equal(t, models.PhaseOffered, got["agent-01"])
	assert.Equal(t, models.PhaseOffered, got["agent-02"])
	assert.Equal(t, models.PhaseQueued, got["agent-05"])
}

func TestCanaryMinimumOneTarget(t *testing.T) {
	e, st := newTestEngine(t)
	seedAgent(t, st, 1)
	doc := seedDocument(t, e, "receivers: {}\n")

	d, err := e.CreateDeployment(context.Background(), "org-1", CreateRequest{
		DocumentID:    doc.ID,
		Strategy:      "canary",
		CanaryPercent: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseOffered, phases(t, st, d.ID)["agent-01"], "canary always offers at least one target")
}

func TestCreateDeploymentSupersedesOverlapping(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedAgent(t, st, 1)
	doc1 := seedDocument(t, e, "a: 1\n")
	doc2 := seedDocument(t, e, "a: 2\n")

	first, err := e.CreateDeployment(ctx, "org-1", CreateRequest{DocumentID: doc1.ID, Strategy: "immediate"})
	require.NoError(t, err)

	second, err := e.CreateDeployment(ctx, "org-1", CreateRequest{DocumentID: doc2.ID, Strategy: "immediate"})
	require.NoError(t, err)

	assert.Equal(t, models.PhaseSkipped, phases(t, st, first.ID)["agent-01"])
	assert.Equal(t, models.PhaseOffered, phases(t, st, second.ID)["agent-01"])

	// With its only row skipped and nothing applied, the older
	// deployment finalizes as failed rather than claiming success.
	stored, err := st.GetDeployment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentFailed, stored.State)
}

func TestPromoteCanary(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	for n := byte(1); n <= 4; n++ {
		seedAgent(t, st, n)
	}
	doc := seedDocument(t, e, "receivers: {}\n")

	d, err := e.CreateDeployment(ctx, "org-1", CreateRequest{
		DocumentID:    doc.ID,
		Strategy:      "canary",
		CanaryPercent: 25,
	})
	require.NoError(t, err)

	require.NoError(t, e.PromoteCanary(ctx, "org-1", d.ID))
	for agentID, phase := range phases(t, st, d.ID) {
		assert.Equal(t, models.PhaseOffered, phase, agentID)
	}

	// Nothing left to promote.
	var pe *PreconditionError
	assert.ErrorAs(t, e.PromoteCanary(ctx, "org-1", d.ID), &pe)
}

func TestPromoteCanaryWrongStrategy(t *testing.T) {
	e, st := newTestEngine(t)
	seedAgent(t, st, 1)
	doc := seedDocument(t, e, "receivers: {}\n")

	d, err := e.CreateDeployment(context.Background(), "org-1", CreateRequest{DocumentID: doc.ID, Strategy: "immediate"})
	require.NoError(t, err)

	var pe *PreconditionError
	assert.ErrorAs(t, e.PromoteCanary(context.Background(), "org-1", d.ID), &pe)
}

func TestPendingOffer(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	agent := seedAgent(t, st, 1)
	queuedAgent := seedAgent(t, st, 2)
	doc := seedDocument(t, e, "receivers: {}\n")

	d, err := e.CreateDeployment(ctx, "org-1", CreateRequest{
		DocumentID:    doc.ID,
		Strategy:      "canary",
		CanaryPercent: 50,
	})
	require.NoError(t, err)

	rc, dep, err := e.PendingOffer(ctx, agent)
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, d.ID, dep.ID)
	assert.Equal(t, []byte("receivers: {}\n"), rc.ConfigMap[offerFilename])
	assert.Equal(t, docHashBytes(t, doc), rc.ConfigHash)

	// The offer survives a wire round trip: the config map entry must
	// carry a filename the codec accepts.
	decoded, err := opamp.DecodeServerToAgent(opamp.EncodeServerToAgent(&opamp.ServerToAgent{
		InstanceUID:  agent.InstanceUID,
		RemoteConfig: rc,
	}))
	require.NoError(t, err)
	require.NotNil(t, decoded.RemoteConfig)
	assert.Equal(t, rc.ConfigMap, decoded.RemoteConfig.ConfigMap)
	assert.Equal(t, rc.ConfigHash, decoded.RemoteConfig.ConfigHash)

	// Queued targets get nothing until their batch opens.
	rc, _, err = e.PendingOffer(ctx, queuedAgent)
	require.NoError(t, err)
	assert.Nil(t, rc)
}

func TestDeadlineWatcherFailsExpired(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	seedAgent(t, st, 1)
	doc := seedDocument(t, e, "receivers: {}\n")

	// Rewind the engine clock so the deadline lands in the past.
	e.now = func() time.Time { return time.Now().Add(-time.Hour) }
	d, err := e.CreateDeployment(ctx, "org-1", CreateRequest{
		DocumentID:      doc.ID,
		Strategy:        "immediate",
		DeadlineSeconds: 1,
	})
	require.NoError(t, err)
	e.now = time.Now

	w := NewDeadlineWatcher(10*time.Millisecond, e, st, slog.Default())
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		got, err := st.GetDeployment(ctx, d.ID)
		return err == nil && got.State == models.DeploymentFailed
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, models.PhaseSkipped, phases(t, st, d.ID)["agent-01"])
}
