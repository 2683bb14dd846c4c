// Package session tracks live transport attachments per agent. At most
// one session exists per instance uid; a newer connection supersedes
// the older one. Each session carries a bounded outbound queue that
// reconciliation writes into and the transport drains.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
)

var (
	// ErrOverloaded is returned when the session cap is reached.
	ErrOverloaded = errors.New("session store overloaded")
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrQueueFull is returned when an outbound message cannot be
	// queued and nothing supersedable can be evicted.
	ErrQueueFull = errors.New("outbound queue full")
)

// Transport identifies how the agent is attached.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPoll      Transport = "poll"
)

// CloseReason explains why a session ended.
type CloseReason string

const (
	ReasonSuperseded   CloseReason = "superseded"
	ReasonAgentGone    CloseReason = "agent_gone"
	ReasonIdleTimeout  CloseReason = "idle_timeout"
	ReasonBackPressure CloseReason = "back_pressure"
	ReasonShutdown     CloseReason = "server_shutdown"
)

// Outbound is one queued server-to-agent message. Supersedable
// messages carry full state (a config offer) where only the newest of
// the kind matters; under pressure a newer one evicts the oldest
// queued one. Messages of other kinds are never displaced.
type Outbound struct {
	Msg          *opamp.ServerToAgent
	Supersedable bool
}

// Session is one live attachment for one agent instance.
type Session struct {
	ID          string
	InstanceUID opamp.InstanceUID
	AgentID     string
	OrgID       string
	Transport   Transport
	StartedAt   time.Time

	mu       sync.Mutex
	queue    []Outbound
	maxQueue int
	closed   bool
	reason   CloseReason
	notify   chan struct{}
	done     chan struct{}
	dropped  *atomic.Int64
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns the close reason, empty while the session is live.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Send queues an outbound message without blocking. When the queue is
// full, a supersedable message evicts the oldest queued entry of its
// own kind to make room; if nothing is evictable, ErrQueueFull is
// returned and the caller decides whether to drop or close.
func (s *Session) Send(out Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if len(s.queue) >= s.maxQueue {
		evicted := false
		if out.Supersedable {
			for i, q := range s.queue {
				if q.Supersedable {
					s.queue = append(s.queue[:i], s.queue[i+1:]...)
					s.dropped.Add(1)
					evicted = true
					break
				}
			}
		}
		if !evicted {
			return ErrQueueFull
		}
	}
	s.queue = append(s.queue, out)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryReceive pops the oldest queued message, if any.
func (s *Session) TryReceive() (*opamp.ServerToAgent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	out := s.queue[0]
	s.queue = s.queue[1:]
	return out.Msg, true
}

// Receive blocks until a message is queued, the session closes, or the
// context is done.
func (s *Session) Receive(ctx context.Context) (*opamp.ServerToAgent, error) {
	for {
		if msg, ok := s.TryReceive(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			// Drain what was queued before the close.
			if msg, ok := s.TryReceive(); ok {
				return msg, nil
			}
			return nil, ErrSessionClosed
		case <-s.notify:
		}
	}
}

// QueueLen reports the current outbound backlog.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) close(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.done)
	return true
}

// Info is a read-only snapshot row for introspection endpoints.
type Info struct {
	ID          string    `json:"session_id"`
	InstanceUID string    `json:"instance_uid"`
	AgentID     string    `json:"agent_id"`
	Transport   Transport `json:"transport"`
	StartedAt   time.Time `json:"started_at"`
	QueueLen    int       `json:"queue_len"`
}

// Store owns all live sessions, keyed by instance uid.
type Store struct {
	mu          sync.RWMutex
	sessions    map[opamp.InstanceUID]*Session
	maxSessions int
	maxQueue    int
	dropped     atomic.Int64
	logger      *slog.Logger
}

// NewStore creates a session store with the given caps.
func NewStore(maxSessions, maxQueue int, logger *slog.Logger) *Store {
	if maxSessions <= 0 {
		maxSessions = 10000
	}
	if maxQueue <= 0 {
		maxQueue = 32
	}
	return &Store{
		sessions:    make(map[opamp.InstanceUID]*Session),
		maxSessions: maxSessions,
		maxQueue:    maxQueue,
		logger:      logger.With("component", "session_store"),
	}
}

// Open registers a new session for the instance uid, superseding any
// existing one. ErrOverloaded when the cap is hit and no session was
// displaced.
func (st *Store) Open(uid opamp.InstanceUID, agentID, orgID string, transport Transport) (*Session, error) {
	st.mu.Lock()
	prev, had := st.sessions[uid]
	if !had && len(st.sessions) >= st.maxSessions {
		st.mu.Unlock()
		return nil, ErrOverloaded
	}
	sess := &Session{
		ID:          uuid.NewString(),
		InstanceUID: uid,
		AgentID:     agentID,
		OrgID:       orgID,
		Transport:   transport,
		StartedAt:   time.Now(),
		maxQueue:    st.maxQueue,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		dropped:     &st.dropped,
	}
	st.sessions[uid] = sess
	st.mu.Unlock()

	if had {
		if prev.close(ReasonSuperseded) {
			st.logger.Info("session superseded",
				"agent_id", agentID,
				"old_session_id", prev.ID,
				"new_session_id", sess.ID,
				"transport", transport)
		}
	}
	return sess, nil
}

// Close removes the session if it is still the registered one for its
// instance uid. Closing an already superseded or closed session is a
// no-op.
func (st *Store) Close(sess *Session, reason CloseReason) {
	st.mu.Lock()
	if cur, ok := st.sessions[sess.InstanceUID]; ok && cur == sess {
		delete(st.sessions, sess.InstanceUID)
	}
	st.mu.Unlock()

	if sess.close(reason) {
		st.logger.Debug("session closed",
			"session_id", sess.ID,
			"agent_id", sess.AgentID,
			"reason", reason)
	}
}

// Get returns the live session for an instance uid, if any.
func (st *Store) Get(uid opamp.InstanceUID) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[uid]
	return sess, ok
}

// GetByAgent returns the live session for an agent id, if any.
func (st *Store) GetByAgent(agentID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.sessions {
		if s.AgentID == agentID {
			return s, true
		}
	}
	return nil, false
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Stats are store-wide gauges for the health endpoint.
type Stats struct {
	Sessions        int   `json:"sessions"`
	DroppedMessages int64 `json:"dropped_messages"`
}

// Stats reports live session count and the total number of queued
// messages evicted under back pressure since startup.
func (st *Store) Stats() Stats {
	return Stats{
		Sessions:        st.Len(),
		DroppedMessages: st.dropped.Load(),
	}
}

// Snapshot returns introspection rows for all live sessions.
func (st *Store) Snapshot() []Info {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, Info{
			ID:          s.ID,
			InstanceUID: s.InstanceUID.String(),
			AgentID:     s.AgentID,
			Transport:   s.Transport,
			StartedAt:   s.StartedAt,
			QueueLen:    s.QueueLen(),
		})
	}
	return infos
}

// CloseAll closes every session, used during shutdown.
func (st *Store) CloseAll(reason CloseReason) {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.sessions = make(map[opamp.InstanceUID]*Session)
	st.mu.Unlock()

	for _, s := range sessions {
		s.close(reason)
	}
}
