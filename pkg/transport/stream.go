package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
	"github.com/Prad-v/FlowGate-sub000/pkg/reconcile"
	"github.com/Prad-v/FlowGate-sub000/pkg/registry"
	"github.com/Prad-v/FlowGate-sub000/pkg/session"
	"github.com/Prad-v/FlowGate-sub000/pkg/token"
)

// StreamOptions tunes the WebSocket terminator.
type StreamOptions struct {
	// IdleTimeout closes connections with no inbound traffic.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration
	// MaxMessageBytes caps one inbound websocket message.
	MaxMessageBytes int
}

func (o *StreamOptions) defaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 90 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4 << 20
	}
}

// Stream terminates the WebSocket transport. Each accepted connection
// becomes one session; frames are fed to the reconciliation loop and
// queued responses are written back in order.
type Stream struct {
	handler  *reconcile.Handler
	registry *registry.Service
	tokens   *token.Service
	sessions *session.Store
	opts     StreamOptions
	logger   *slog.Logger
}

// NewStream wires the WebSocket terminator.
func NewStream(h *reconcile.Handler, reg *registry.Service, tokens *token.Service, sessions *session.Store, opts StreamOptions, logger *slog.Logger) *Stream {
	opts.defaults()
	return &Stream{
		handler:  h,
		registry: reg,
		tokens:   tokens,
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "stream_transport"),
	}
}

// Handle is the echo handler for the agent stream endpoint. It blocks
// for the life of the connection.
func (s *Stream) Handle(c *echo.Context) error {
	agent, err := authenticate(c, s.tokens, s.registry)
	if err != nil {
		return err
	}
	if s.handler.Draining() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(int64(s.opts.MaxMessageBytes))

	sess, err := s.sessions.Open(agent.InstanceUID, agent.ID, agent.OrgID, session.TransportWebSocket)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "session capacity reached")
		return nil
	}

	s.logger.Info("agent connected",
		"agent_id", agent.ID,
		"session_id", sess.ID,
		"instance_uid", agent.InstanceUID.String())
	s.serve(c.Request().Context(), conn, sess)
	s.logger.Info("agent disconnected",
		"agent_id", agent.ID,
		"session_id", sess.ID,
		"reason", sess.Reason())
	return nil
}

func (s *Stream) serve(parentCtx context.Context, conn *websocket.Conn, sess *session.Session) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, conn, sess)
	}()

	s.readLoop(ctx, conn, sess)

	// No-op when the session already closed with a specific reason.
	s.sessions.Close(sess, session.ReasonAgentGone)
	wg.Wait()
}

// readLoop feeds inbound frames to the reconciliation loop until the
// connection breaks, the idle timeout fires, or a fatal frame arrives.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	first := true
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.opts.IdleTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				s.sessions.Close(sess, session.ReasonIdleTimeout)
			}
			return
		}
		if typ != websocket.MessageBinary {
			s.logger.Warn("non-binary websocket message", "session_id", sess.ID)
			s.sessions.Close(sess, session.ReasonAgentGone)
			return
		}

		if err := s.handler.HandleFrame(ctx, sess, data, first); err != nil {
			// A wire format violation is fatal; the error response is
			// queued and the write loop delivers it before closing.
			s.sessions.Close(sess, session.ReasonAgentGone)
			return
		}
		first = false
	}
}

// writeLoop drains the session queue onto the wire. When the session
// closes it flushes what is left and closes the websocket with a
// status derived from the close reason.
func (s *Stream) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		msg, err := sess.Receive(ctx)
		if err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				code, reason := closeStatus(sess.Reason())
				_ = conn.Close(code, reason)
			}
			return
		}
		frame := opamp.EncodeFrame(opamp.EncodeServerToAgent(msg))
		writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageBinary, frame)
		cancel()
		if err != nil {
			s.logger.Debug("websocket write failed", "session_id", sess.ID, "error", err)
			return
		}
	}
}

func closeStatus(r session.CloseReason) (websocket.StatusCode, string) {
	switch r {
	case session.ReasonSuperseded:
		return websocket.StatusPolicyViolation, "superseded by a newer connection"
	case session.ReasonBackPressure:
		return websocket.StatusTryAgainLater, "outbound queue overflow"
	case session.ReasonShutdown:
		return websocket.StatusGoingAway, "server shutting down"
	case session.ReasonIdleTimeout:
		return websocket.StatusGoingAway, "idle timeout"
	default:
		return websocket.StatusNormalClosure, ""
	}
}
