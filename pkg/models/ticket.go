package models

import "time"

// TicketState is the lifecycle of a configuration request ticket.
type TicketState string

const (
	TicketPending   TicketState = "pending"
	TicketCompleted TicketState = "completed"
	TicketFailed    TicketState = "failed"
	TicketExpired   TicketState = "expired"
)

func (s TicketState) IsValid() bool {
	switch s {
	case TicketPending, TicketCompleted, TicketFailed, TicketExpired:
		return true
	}
	return false
}

// ConfigRequestTicket tracks a pending request for an agent to
// re-report its effective configuration. It resolves on the next
// inbound message with a populated effective_config, or expires.
type ConfigRequestTicket struct {
	ID        string      `json:"ticket_id"`
	AgentID   string      `json:"agent_id"`
	State     TicketState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Result    []byte      `json:"result_payload,omitempty"`
}
