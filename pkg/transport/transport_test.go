package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Prad-v/FlowGate-sub000/pkg/deploy"
	"github.com/Prad-v/FlowGate-sub000/pkg/events"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/reconcile"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
	"github.com/Prad-v/FlowGate-sub000/pkg/session"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
	"github.com/Prad-v/FlowGate-sub000/pkg/token"
)

const testUID = "0102030405060708090a0b0c0d0e0f10"

type rig struct {
	store    store.Store
	tokens   *token.Service
	registry *registry.Service
	engine   *deploy.Engine
	sessions *session.Store
	handler  *reconcile.Handler
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st := store.NewMemory()
	tokens, err := token.NewService(token.Config{
		SigningKeys: []token.SigningKey{{ID: "k1", Secret: []byte("test-secret-material")}},
	}, st, slog.Default())
	require.NoError(t, err)
	reg := registry.NewService(st, tokens, slog.Default())
	engine := deploy.NewEngine(st, events.NopPublisher{}, slog.Default())
	sessions := session.NewStore(16, 8, slog.Default())
	h := reconcile.NewHandler(reg, engine, sessions, st, events.NopPublisher{}, 1<<20, slog.Default())
	engine.SetNotifier(h)
	return &rig{store: st, tokens: tokens, registry: reg, engine: engine, sessions: sessions, handler: h}
}

// enroll registers an agent and returns it plus its bearer token.
func (r *rig) enroll(t *testing.T, uid string) (*registry.RegisterResult, string) {
	t.Helper()
	plain, _, err := r.tokens.MintRegistrationToken(context.Background(), "org-1", time.Hour)
	require.NoError(t, err)
	res, err := r.registry.Register(context.Background(), registry.RegisterRequest{
		RegistrationToken: plain,
		InstanceUID:       uid,
		Name:              "gw",
		ManagementMode:    "supervisor",
	})
	require.NoError(t, err)
	return res, res.AgentToken
}

func encodeFrame(t *testing.T, msg *opamp.AgentToServer) []byte {
	t.Helper()
	return opamp.EncodeFrame(opamp.EncodeAgentToServer(msg))
}

func decodeFrame(t *testing.T, frame []byte) *opamp.ServerToAgent {
	t.Helper()
	body, err := opamp.DecodeFrame(frame, 0)
	require.NoError(t, err)
	msg, err := opamp.DecodeServerToAgent(body)
	require.NoError(t, err)
	return msg
}
