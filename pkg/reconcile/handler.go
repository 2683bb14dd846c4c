// Package reconcile drives the per-message loop of the control plane:
// every inbound agent message is merged into the registry, folded into
// deployment progress, and answered with whatever the server wants the
// agent to do next.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Prad-v/FlowGate-sub000/pkg/deploy"
	"github.com/Prad-v/FlowGate-sub000/pkg/events"
	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
	"github.com/Prad-v/FlowGate-sub000/pkg/session"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
)

const (
	// retryAfter is what agents are told to wait when the server is
	// draining or overloaded.
	retryAfter = 30 * time.Second
	// pushTimeout bounds the store work done for an asynchronous offer
	// push.
	pushTimeout = 5 * time.Second
)

// Handler is the reconciliation loop. One instance serves every
// transport; it is safe for concurrent use.
type Handler struct {
	registry *registry.Service
	deploy   *deploy.Engine
	sessions *session.Store
	store    store.Store
	events   events.Publisher
	logger   *slog.Logger

	maxMessageBytes int
	draining        atomic.Bool
}

// NewHandler wires the loop over its collaborators. maxMessageBytes
// bounds the decoded frame size; 0 means unbounded.
func NewHandler(reg *registry.Service, eng *deploy.Engine, sessions *session.Store, st store.Store, pub events.Publisher, maxMessageBytes int, logger *slog.Logger) *Handler {
	return &Handler{
		registry:        reg,
		deploy:          eng,
		sessions:        sessions,
		store:           st,
		events:          pub,
		logger:          logger.With("component", "reconcile"),
		maxMessageBytes: maxMessageBytes,
	}
}

// SetDraining flips the handler into shutdown mode: inbound messages
// are answered with UNAVAILABLE and a retry hint instead of being
// processed.
func (h *Handler) SetDraining(on bool) {
	h.draining.Store(on)
}

// Draining reports whether the handler is refusing work.
func (h *Handler) Draining() bool {
	return h.draining.Load()
}

// HandleFrame decodes one transport frame, runs the loop, and queues
// the response on the session. first marks the first frame of a
// connection, which gets the server capability advertisement.
//
// A malformed frame is answered with a BAD_REQUEST error response and
// reported to the caller so the transport can drop the connection.
func (h *Handler) HandleFrame(ctx context.Context, sess *session.Session, frame []byte, first bool) error {
	body, err := opamp.DecodeFrame(frame, h.maxMessageBytes)
	var msg *opamp.AgentToServer
	if err == nil {
		msg, err = opamp.DecodeAgentToServer(body)
	}
	if err != nil {
		var wireErr *opamp.WireFormatError
		if errors.As(err, &wireErr) {
			h.logger.Warn("malformed inbound frame",
				"agent_id", sess.AgentID,
				"error", wireErr.Reason)
			if sendErr := h.send(sess, badRequest(sess.InstanceUID, wireErr.Reason), false); sendErr != nil {
				return sendErr
			}
			return err
		}
		return err
	}

	if msg.InstanceUID != sess.InstanceUID {
		reason := "instance_uid does not match the authenticated session"
		h.logger.Warn("instance uid mismatch",
			"agent_id", sess.AgentID,
			"session_uid", sess.InstanceUID.String(),
			"message_uid", msg.InstanceUID.String())
		if err := h.send(sess, badRequest(sess.InstanceUID, reason), false); err != nil {
			return err
		}
		return &opamp.WireFormatError{Reason: reason}
	}

	resp, supersedable := h.Process(ctx, msg, first)
	return h.send(sess, resp, supersedable)
}

// Process runs the reconciliation loop for one decoded message and
// returns the response plus whether it may be superseded by a newer
// one in the outbound queue.
func (h *Handler) Process(ctx context.Context, msg *opamp.AgentToServer, first bool) (*opamp.ServerToAgent, bool) {
	resp := &opamp.ServerToAgent{InstanceUID: msg.InstanceUID}
	if first {
		resp.Capabilities = opamp.ServerCapabilities
	}
	if h.draining.Load() {
		resp.ErrorResponse = unavailable("server is shutting down")
		return resp, false
	}

	delta, err := h.registry.ApplyInbound(ctx, msg)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			resp.ErrorResponse = &opamp.ErrorResponse{
				Type:         opamp.ErrorTypeBadRequest,
				ErrorMessage: "unknown instance uid, re-register the agent",
			}
			return resp, false
		}
		h.logger.Error("inbound merge failed",
			"instance_uid", msg.InstanceUID.String(),
			"error", err)
		resp.ErrorResponse = internalError("message could not be processed")
		return resp, false
	}
	agent := delta.Agent

	if err := h.deploy.Observe(ctx, delta); err != nil {
		h.logger.Warn("deployment observation failed",
			"agent_id", agent.ID,
			"error", err)
	}

	if delta.FirstContact || msg.Health != nil {
		h.publishStatus(ctx, delta)
	}

	supersedable := false
	caps := opamp.ResolveCapabilities(agent.Supervised(), agent.AgentCapabilities)
	if opamp.HasCapability(caps, opamp.CapAcceptsRemoteConfig) {
		rc, d, err := h.deploy.PendingOffer(ctx, agent)
		if err != nil {
			h.logger.Warn("pending offer lookup failed", "agent_id", agent.ID, "error", err)
		} else if rc != nil && !bytes.Equal(agent.EffectiveHash, rc.ConfigHash) {
			// An agent whose effective configuration already matches
			// the pending document is converged and gets no re-offer.
			resp.RemoteConfig = rc
			supersedable = true
			h.logger.Debug("config offer attached",
				"agent_id", agent.ID,
				"deployment_id", d.ID)
		}
	}

	// An open effective-config ticket asks the agent for full state,
	// unless this very message already carried it.
	if !delta.EffectiveReported {
		if _, err := h.store.PendingTicketForAgent(ctx, agent.ID); err == nil {
			resp.Flags |= opamp.ServerFlagReportFullState
		} else if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("pending ticket lookup failed", "agent_id", agent.ID, "error", err)
		}
	}

	return resp, supersedable
}

// NotifyOffer pushes pending config offers into the live sessions of
// the given agents. Implements the deployment engine's push hook; the
// per-agent work runs asynchronously so deployment creation does not
// block on slow sessions.
func (h *Handler) NotifyOffer(agentIDs ...string) {
	for _, id := range agentIDs {
		sess, ok := h.sessions.GetByAgent(id)
		if !ok {
			continue
		}
		go h.pushOffer(sess)
	}
}

func (h *Handler) pushOffer(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	agent, err := h.registry.GetByInstanceUID(ctx, sess.InstanceUID)
	if err != nil {
		h.logger.Warn("offer push agent lookup failed", "agent_id", sess.AgentID, "error", err)
		return
	}
	rc, d, err := h.deploy.PendingOffer(ctx, agent)
	if err != nil {
		h.logger.Warn("offer push lookup failed", "agent_id", agent.ID, "error", err)
		return
	}
	if rc == nil || bytes.Equal(agent.EffectiveHash, rc.ConfigHash) {
		return
	}

	msg := &opamp.ServerToAgent{
		InstanceUID:  sess.InstanceUID,
		RemoteConfig: rc,
	}
	if err := h.send(sess, msg, true); err != nil {
		h.logger.Warn("offer push failed", "agent_id", agent.ID, "error", err)
		return
	}
	h.logger.Info("config offer pushed",
		"agent_id", agent.ID,
		"deployment_id", d.ID,
		"session_id", sess.ID)
}

// send queues a response; a session whose queue cannot take the
// message is closed for back pressure.
func (h *Handler) send(sess *session.Session, msg *opamp.ServerToAgent, supersedable bool) error {
	err := sess.Send(session.Outbound{Msg: msg, Supersedable: supersedable})
	if errors.Is(err, session.ErrQueueFull) {
		h.logger.Warn("outbound queue full, closing session",
			"session_id", sess.ID,
			"agent_id", sess.AgentID)
		h.sessions.Close(sess, session.ReasonBackPressure)
		return fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return err
}

func (h *Handler) publishStatus(ctx context.Context, delta *registry.Delta) {
	agent := delta.Agent
	err := h.events.PublishAgentStatus(ctx, agent.OrgID, events.AgentStatusPayload{
		AgentID:           agent.ID,
		RegistrationState: string(agent.RegistrationState),
		Healthy:           agent.Health.Healthy,
		LastError:         agent.Health.LastError,
	})
	if err != nil {
		h.logger.Warn("agent status event publish failed", "agent_id", agent.ID, "error", err)
	}
}

func badRequest(uid opamp.InstanceUID, msg string) *opamp.ServerToAgent {
	return &opamp.ServerToAgent{
		InstanceUID: uid,
		ErrorResponse: &opamp.ErrorResponse{
			Type:         opamp.ErrorTypeBadRequest,
			ErrorMessage: msg,
		},
	}
}

func unavailable(msg string) *opamp.ErrorResponse {
	return &opamp.ErrorResponse{
		Type:            opamp.ErrorTypeUnavailable,
		ErrorMessage:    msg,
		RetryAfterNanos: uint64(retryAfter.Nanoseconds()),
	}
}

// internalError is the response for transient server-side failures;
// the retry hint tells agents to back off instead of hammering.
func internalError(msg string) *opamp.ErrorResponse {
	return &opamp.ErrorResponse{
		Type:            opamp.ErrorTypeInternalError,
		ErrorMessage:    msg,
		RetryAfterNanos: uint64(retryAfter.Nanoseconds()),
	}
}
