package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
	"github.com/Prad-v/FlowGate-sub000/pkg/token"
)

func newTestRegistry(t *testing.T) (*Service, store.Store, *token.Service) {
	t.Helper()
	st := store.NewMemory()
	tokens, err := token.NewService(token.Config{
		SigningKeys: []token.SigningKey{{ID: "k1", Secret: []byte("test-secret-material")}},
	}, st, slog.Default())
	require.NoError(t, err)
	return NewService(st, tokens, slog.Default()), st, tokens
}

func registerAgent(t *testing.T, svc *Service, tokens *token.Service, uid string, mode models.ManagementMode) *models.Agent {
	t.Helper()
	plain, _, err := tokens.MintRegistrationToken(context.Background(), "org-1", time.Hour)
	require.NoError(t, err)
	res, err := svc.Register(context.Background(), RegisterRequest{
		RegistrationToken: plain,
		InstanceUID:       uid,
		Name:              "gw-" + uid[:4],
		ManagementMode:    string(mode),
	})
	require.NoError(t, err)
	return res.Agent
}

const testUID = "0102030405060708090a0b0c0d0e0f10"

func mustUID(t *testing.T, s string) opamp.InstanceUID {
	t.Helper()
	uid, err := opamp.ParseInstanceUID(s)
	require.NoError(t, err)
	return uid
}

func TestRegister(t *testing.T) {
	svc, _, tokens := newTestRegistry(t)
	ctx := context.Background()

	plain, _, err := tokens.MintRegistrationToken(ctx, "org-1", time.Hour)
	require.NoError(t, err)

	res, err := svc.Register(ctx, RegisterRequest{
		RegistrationToken: plain,
		InstanceUID:       testUID,
		Name:              "edge-gateway",
		ManagementMode:    "supervisor",
		IdentifyingAttrs:  map[string]string{"region": "eu-west-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "org-1", res.Agent.OrgID)
	assert.Equal(t, models.RegistrationStateRegistered, res.Agent.RegistrationState)
	assert.NotEmpty(t, res.AgentToken)

	claims, err := tokens.VerifyAgentToken(res.AgentToken)
	require.NoError(t, err)
	assert.Equal(t, res.Agent.ID, claims.AgentID)

	// The registration token is single use.
	_, err = svc.Register(ctx, RegisterRequest{
		RegistrationToken: plain,
		InstanceUID:       "f1f2f3f4f5f6f7f8f9fafbfcfdfeff00",
		ManagementMode:    "extension",
	})
	assert.ErrorIs(t, err, token.ErrTokenInvalid)
}

func TestRegisterValidation(t *testing.T) {
	svc, _, tokens := newTestRegistry(t)
	ctx := context.Background()

	plain, _, err := tokens.MintRegistrationToken(ctx, "org-1", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   RegisterRequest
		field string
	}{
		{"bad uid", RegisterRequest{RegistrationToken: plain, InstanceUID: "xyz", ManagementMode: "supervisor"}, "instance_uid"},
		{"zero uid", RegisterRequest{RegistrationToken: plain, InstanceUID: "00000000000000000000000000000000", ManagementMode: "supervisor"}, "instance_uid"},
		{"bad mode", RegisterRequest{RegistrationToken: plain, InstanceUID: testUID, ManagementMode: "sidecar"}, "management_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRegisterDuplicateInstanceUID(t *testing.T) {
	svc, _, tokens := newTestRegistry(t)
	ctx := context.Background()

	registerAgent(t, svc, tokens, testUID, models.ManagementModeSupervisor)

	plain, _, err := tokens.MintRegistrationToken(ctx, "org-1", time.Hour)
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterRequest{
		RegistrationToken: plain,
		InstanceUID:       testUID,
		ManagementMode:    "extension",
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetEnforcesOrgScope(t *testing.T) {
	svc, _, tokens := newTestRegistry(t)
	agent := registerAgent(t, svc, tokens, testUID, models.ManagementModeSupervisor)

	got, err := svc.Get(context.Background(), "org-1", agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)

	_, err = svc.Get(context.Background(), "org-2", agent.ID)
	assert.ErrorIs(t, err, ErrNotFound, "cross-org access looks like a missing agent")
}

func TestApplyInboundActivatesAndMerges(t *testing.T) {
	svc, st, tokens := newTestRegistry(t)
	agent := registerAgent(t, svc, tokens, testUID, models.ManagementModeExtension)
	ctx := context.Background()

	delta, err := svc.ApplyInbound(ctx, &opamp.AgentToServer{
		InstanceUID:  mustUID(t, testUID),
		SequenceNum:  1,
		Capabilities: 0x3F,
		Health:       &opamp.ComponentHealth{Healthy: true, StartTimeUnixNano: 42},
		AgentDescription: &opamp.AgentDescription{
			IdentifyingAttributes: map[string]string{"service.name": "edge"},
		},
	})
	require.NoError(t, err)
	assert.True(t, delta.FirstContact)
	assert.False(t, delta.OutOfOrder)

	stored, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationStateActive, stored.RegistrationState)
	assert.Equal(t, uint64(0x3F), stored.AgentCapabilities)
	assert.Equal(t, uint64(1), stored.LastSequenceNum)
	assert.True(t, stored.Health.Healthy)
	assert.Equal(t, "edge", stored.IdentifyingAttrs["service.name"])
}

func TestApplyInboundSequenceMonotonicity(t *testing.T) {
	svc, st, tokens := newTestRegistry(t)
	agent := registerAgent(t, svc, tokens, testUID, models.ManagementModeExtension)
	ctx := context.Background()
	uid := mustUID(t, testUID)

	_, err := svc.ApplyInbound(ctx, &opamp.AgentToServer{InstanceUID: uid, SequenceNum: 5, Capabilities: 0x3F})
	require.NoError(t, err)

	// A stale message records liveness but merges nothing.
	delta, err := svc.ApplyInbound(ctx, &opamp.AgentToServer{InstanceUID: uid, SequenceNum: 4, Capabilities: 0x1})
	require.NoError(t, err)
	assert.True(t, delta.OutOfOrder)

	stored, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3F), stored.AgentCapabilities, "stale payload must not merge")
	assert.Equal(t, uint64(5), stored.LastSequenceNum)
}

func TestApplyInboundReplayAtSequenceZero(t *testing.T) {
	svc, st, tokens := newTestRegistry(t)
	agent := registerAgent(t, svc, tokens, testUID, models.ManagementModeExtension)
	ctx := context.Background()
	uid := mustUID(t, testUID)

	// An agent whose first message carries sequence zero still merges.
	delta, err := svc.ApplyInbound(ctx, &opamp.AgentToServer{InstanceUID: uid, SequenceNum: 0, Capabilities: 0x3F})
	require.NoError(t, err)
	assert.True(t, delta.FirstContact)
	assert.False(t, delta.OutOfOrder)

	// Replaying the same sequence number merges nothing.
	delta, err = svc.ApplyInbound(ctx, &opamp.AgentToServer{InstanceUID: uid, SequenceNum: 0, Capabilities: 0x1})
	require.NoError(t, err)
	assert.True(t, delta.OutOfOrder)

	stored, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3F), stored.AgentCapabilities, "replayed payload must not merge")
}

func TestApplyInboundSupervisorCapabilityInference(t *testing.T) {
	svc, st, tokens := newTestRegistry(t)
	agent := registerAgent(t, svc, tokens, testUID, models.ManagementModeSupervisor)
	ctx := context.Background()
	uid := mustUID(t, testUID)

	// Zero report from a supervised agent falls back to the default set.
	_, err := svc.ApplyInbound(ctx, &opamp.AgentToServer{InstanceUID: uid, SequenceNum: 1})
	require.NoError(t, err)
	stored, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, opamp.SupervisorDefaultCapabilities, stored.AgentCapabilities)

	// An explicit report replaces the inferred value.
	_, err = svc.ApplyInbound(ctx, &opamp.AgentToServer{InstanceUID: uid, SequenceNum: 2, Capabilities: 0x7})
	require.NoError(t, err)
	stored, err = st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7), stored.AgentCapabilities)

	// A later zero report never reverts an explicit one.
	_, err = svc.ApplyInbound(ctx, &opamp.AgentToServer{InstanceUID: uid, SequenceNum: 3})
	require.NoError(t, err)
	stored, err = st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7), stored.AgentCapabilities)
}

func TestApplyInboundExtensionZeroCapabilitiesStaysZero(t *testing.T) {
	svc, st, tokens := newTestRegistry(t)
	agent := registerAgent(t, svc, tokens, testUID, models.ManagementModeExtension)

	_, err := svc.ApplyInbound(context.Background(), &opamp.AgentToServer{InstanceUID: mustUID(t, testUID), SequenceNum: 1})
	require.NoError(t, err)

	stored, err := st.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.AgentCapabilities, "no inference for extension-mode agents")
}

func TestApplyInboundStatusTransitions(t *testing.T) {
	tests := []struct {
		name   string
		from   opamp.RemoteConfigStatus
		to     opamp.RemoteConfigStatus
		accept bool
	}{
		{"unset to applying", opamp.RemoteConfigStatusUnset, opamp.RemoteConfigStatusApplying, true},
		{"unset to applied", opamp.RemoteConfigStatusUnset, opamp.RemoteConfigStatusApplied, true},
		{"applying to applied", opamp.RemoteConfigStatusApplying, opamp.RemoteConfigStatusApplied, true},
		{"applying to failed", opamp.RemoteConfigStatusApplying, opamp.RemoteConfigStatusFailed, true},
		{"fresh applying from applied", opamp.RemoteConfigStatusApplied, opamp.RemoteConfigStatusApplying, true},
		{"fresh applying from failed", opamp.RemoteConfigStatusFailed, opamp.RemoteConfigStatusApplying, true},
		{"stale failed after applied", opamp.RemoteConfigStatusApplied, opamp.RemoteConfigStatusFailed, false},
		{"stale applied after failed", opamp.RemoteConfigStatusFailed, opamp.RemoteConfigStatusApplied, false},
		{"unset report rejected", opamp.RemoteConfigStatusApplying, opamp.RemoteConfigStatusUnset, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.accept, acceptStatusTransition(tt.from, tt.to))
		})
	}
}

func TestGetTicketEnforcesOrgScope(t *testing.T) {
	svc, _, tokens := newTestRegistry(t)
	agent := registerAgent(t, svc, tokens, testUID, models.ManagementModeExtension)
	ctx := context.Background()

	ticket, err := svc.RequestEffectiveConfig(ctx, "org-1", agent.ID, time.Minute)
	require.NoError(t, err)

	got, err := svc.GetTicket(ctx, "org-1", ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, got.ID)

	_, err = svc.GetTicket(ctx, "org-2", ticket.ID)
	assert.ErrorIs(t, err, ErrNotFound, "cross-org access looks like a missing ticket")
}

func TestApplyInboundResolvesTicket(t *testing.T) {
	svc, st, tokens := newTestRegistry(t)
	agent := registerAgent(t, svc, tokens, testUID, models.ManagementModeExtension)
	ctx := context.Background()

	ticket, err := svc.RequestEffectiveConfig(ctx, "org-1", agent.ID, time.Minute)
	require.NoError(t, err)

	delta, err := svc.ApplyInbound(ctx, &opamp.AgentToServer{
		InstanceUID: mustUID(t, testUID),
		SequenceNum: 1,
		EffectiveConfig: &opamp.EffectiveConfig{
			ConfigMap: map[string][]byte{"collector.yaml": []byte("receivers: {}\n")},
		},
	})
	require.NoError(t, err)
	assert.True(t, delta.EffectiveReported)
	assert.Equal(t, ticket.ID, delta.ResolvedTicketID)

	resolved, err := st.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketCompleted, resolved.State)
	assert.Equal(t, []byte("receivers: {}\n"), resolved.Result)
}

func TestApplyInboundUnknownAgent(t *testing.T) {
	svc, _, _ := newTestRegistry(t)
	_, err := svc.ApplyInbound(context.Background(), &opamp.AgentToServer{
		InstanceUID: mustUID(t, testUID),
		SequenceNum: 1,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweeperMarksInactive(t *testing.T) {
	svc, st, tokens := newTestRegistry(t)
	agent := registerAgent(t, svc, tokens, testUID, models.ManagementModeExtension)
	ctx := context.Background()

	_, err := svc.ApplyInbound(ctx, &opamp.AgentToServer{InstanceUID: mustUID(t, testUID), SequenceNum: 1})
	require.NoError(t, err)

	stored, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	stored.LastSeen = time.Now().Add(-time.Hour)
	require.NoError(t, st.UpdateAgentCAS(ctx, stored))

	sweeper := NewSweeper(SweeperConfig{Interval: 10 * time.Millisecond, InactiveAfter: 5 * time.Minute}, st, slog.Default())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		a, err := st.GetAgent(ctx, agent.ID)
		return err == nil && a.RegistrationState == models.RegistrationStateInactive
	}, 2*time.Second, 20*time.Millisecond)
}
