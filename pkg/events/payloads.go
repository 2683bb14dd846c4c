package events

// AgentRegisteredPayload announces a new agent in the inventory.
type AgentRegisteredPayload struct {
	Type           string `json:"type"`
	AgentID        string `json:"agent_id"`
	Name           string `json:"name,omitempty"`
	ManagementMode string `json:"management_mode"`
}

// AgentStatusPayload carries liveness and health changes. Transient:
// broadcast only, never persisted.
type AgentStatusPayload struct {
	Type              string `json:"type"`
	AgentID           string `json:"agent_id"`
	RegistrationState string `json:"registration_state"`
	Healthy           bool   `json:"healthy"`
	LastError         string `json:"last_error,omitempty"`
}

// DeploymentStatePayload announces a deployment state transition.
type DeploymentStatePayload struct {
	Type         string `json:"type"`
	DeploymentID string `json:"deployment_id"`
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
}

// AgentPhasePayload announces one agent's phase movement inside a
// deployment.
type AgentPhasePayload struct {
	Type         string `json:"type"`
	DeploymentID string `json:"deployment_id"`
	AgentID      string `json:"agent_id"`
	Phase        string `json:"phase"`
	Error        string `json:"error,omitempty"`
}
