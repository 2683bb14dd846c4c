package transport

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/reconcile"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
	"github.com/Prad-v/FlowGate-sub000/pkg/session"
	"github.com/Prad-v/FlowGate-sub000/pkg/token"
)

const protobufContentType = "application/x-protobuf"

// PollOptions tunes the HTTP poll terminator.
type PollOptions struct {
	// MaxMessageBytes caps the request body size.
	MaxMessageBytes int
	// MaxBatch caps how many queued messages one poll response carries.
	MaxBatch int
}

func (o *PollOptions) defaults() {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4 << 20
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 8
	}
}

// Poll terminates the HTTP transport for agents behind proxies that
// cannot hold a WebSocket. Each request carries one frame; the
// response carries the queued frames, with a flag telling the agent to
// poll again promptly when more are pending.
type Poll struct {
	handler  *reconcile.Handler
	registry *registry.Service
	tokens   *token.Service
	sessions *session.Store
	opts     PollOptions
	logger   *slog.Logger
}

// NewPoll wires the HTTP poll terminator.
func NewPoll(h *reconcile.Handler, reg *registry.Service, tokens *token.Service, sessions *session.Store, opts PollOptions, logger *slog.Logger) *Poll {
	opts.defaults()
	return &Poll{
		handler:  h,
		registry: reg,
		tokens:   tokens,
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "poll_transport"),
	}
}

// Handle is the echo handler for the agent poll endpoint.
func (p *Poll) Handle(c *echo.Context) error {
	agent, err := authenticate(c, p.tokens, p.registry)
	if err != nil {
		return err
	}
	if ct := c.Request().Header.Get("Content-Type"); !strings.HasPrefix(ct, protobufContentType) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "content type must be "+protobufContentType)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, int64(p.opts.MaxMessageBytes)+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body unreadable")
	}
	if len(body) > p.opts.MaxMessageBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "frame too large")
	}

	// A poll is a short-lived session: it supersedes any lingering one
	// for the same instance and is torn down when the response is sent.
	sess, err := p.sessions.Open(agent.InstanceUID, agent.ID, agent.OrgID, session.TransportPoll)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session capacity reached")
	}
	defer p.sessions.Close(sess, session.ReasonAgentGone)

	// Every poll request is the first message of its session, so each
	// response re-advertises the server capabilities.
	if err := p.handler.HandleFrame(c.Request().Context(), sess, body, true); err != nil {
		// The error response, if any, is already queued; fall through
		// and deliver it.
		p.logger.Debug("poll frame rejected", "agent_id", agent.ID, "error", err)
	}

	msgs := make([]*opamp.ServerToAgent, 0, 1)
	for len(msgs) < p.opts.MaxBatch {
		msg, ok := sess.TryReceive()
		if !ok {
			break
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return c.NoContent(http.StatusNoContent)
	}
	if sess.QueueLen() > 0 {
		msgs[len(msgs)-1].Flags |= opamp.ServerFlagMoreAvailable
	}

	var out []byte
	for _, msg := range msgs {
		out = append(out, opamp.EncodeFrame(opamp.EncodeServerToAgent(msg))...)
	}
	return c.Blob(http.StatusOK, protobufContentType, out)
}
