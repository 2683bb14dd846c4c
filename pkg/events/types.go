// Package events delivers control-plane change notifications to API
// consumers. Events are persisted to the control_events table and
// broadcast across replicas via PostgreSQL NOTIFY; each process fans
// them out to its local WebSocket subscribers.
package events

// Event type discriminators carried in every payload.
const (
	TypeAgentRegistered      = "agent.registered"
	TypeAgentStatus          = "agent.status"
	TypeDeploymentState      = "deployment.state"
	TypeDeploymentAgentPhase = "deployment.agent_phase"
)

// OrgChannel derives the notification channel for an organization.
// Channel names are sanitized at LISTEN time, so any org id is safe.
func OrgChannel(orgID string) string {
	return "flowgate_org_" + orgID
}

// ClientMessage is a control message from a WebSocket client.
type ClientMessage struct {
	Action      string `json:"action"`
	Channel     string `json:"channel,omitempty"`
	LastEventID *int   `json:"last_event_id,omitempty"`
}
