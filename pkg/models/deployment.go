package models

import "time"

// RolloutStrategy is the schedule by which a deployment's targets are
// offered the new configuration.
type RolloutStrategy string

const (
	RolloutImmediate RolloutStrategy = "immediate"
	RolloutCanary    RolloutStrategy = "canary"
	RolloutStaged    RolloutStrategy = "staged"
)

func (s RolloutStrategy) IsValid() bool {
	return s == RolloutImmediate || s == RolloutCanary || s == RolloutStaged
}

// DeploymentState moves strictly forward:
// pending → in_progress → {completed, failed, rolled_back}.
type DeploymentState string

const (
	DeploymentPending    DeploymentState = "pending"
	DeploymentInProgress DeploymentState = "in_progress"
	DeploymentCompleted  DeploymentState = "completed"
	DeploymentFailed     DeploymentState = "failed"
	DeploymentRolledBack DeploymentState = "rolled_back"
)

func (s DeploymentState) IsValid() bool {
	switch s {
	case DeploymentPending, DeploymentInProgress, DeploymentCompleted, DeploymentFailed, DeploymentRolledBack:
		return true
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s DeploymentState) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed || s == DeploymentRolledBack
}

// CanTransitionTo enforces forward-only state movement.
func (s DeploymentState) CanTransitionTo(next DeploymentState) bool {
	switch s {
	case DeploymentPending:
		return next == DeploymentInProgress || next == DeploymentCompleted || next == DeploymentFailed
	case DeploymentInProgress:
		return next == DeploymentCompleted || next == DeploymentFailed || next == DeploymentRolledBack
	case DeploymentCompleted:
		return next == DeploymentRolledBack
	default:
		return false
	}
}

// Deployment is a control-plane intent to drive a set of agents to a
// specific configuration document.
type Deployment struct {
	ID               string            `json:"deployment_id"`
	OrgID            string            `json:"organization_id"`
	Name             string            `json:"name"`
	DocumentID       string            `json:"document_ref"`
	Strategy         RolloutStrategy   `json:"rollout_strategy"`
	CanaryPercent    int               `json:"canary_percent,omitempty"`
	StageSize        int               `json:"stage_size,omitempty"`
	StageTag         string            `json:"stage_tag,omitempty"`
	Targeting        map[string]string `json:"targeting,omitempty"`
	TolerateFailures bool              `json:"tolerate_failures"`
	State            DeploymentState   `json:"state"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Deadline         *time.Time        `json:"deadline,omitempty"`
	// Supersedes points at the deployment this one rolls back. It is
	// set only on rollback deployments; when such a deployment
	// completes, the pointed-at deployment becomes rolled_back.
	Supersedes string `json:"supersedes,omitempty"`
}

// DeployPhase is the per-agent progress within one deployment.
// Terminal phases are sticky for the lifetime of the deployment.
type DeployPhase string

const (
	PhaseQueued   DeployPhase = "queued"
	PhaseOffered  DeployPhase = "offered"
	PhaseApplying DeployPhase = "applying"
	PhaseApplied  DeployPhase = "applied"
	PhaseFailed   DeployPhase = "failed"
	PhaseSkipped  DeployPhase = "skipped"
)

func (p DeployPhase) IsValid() bool {
	switch p {
	case PhaseQueued, PhaseOffered, PhaseApplying, PhaseApplied, PhaseFailed, PhaseSkipped:
		return true
	}
	return false
}

// Terminal reports whether the phase is sticky.
func (p DeployPhase) Terminal() bool {
	return p == PhaseApplied || p == PhaseFailed || p == PhaseSkipped
}

// AgentDeploymentStatus is the join row tracking one agent inside one
// deployment. DocumentID overrides the deployment's document for this
// agent; it is set only on rollback deployments, where each target
// returns to its own previously applied document.
type AgentDeploymentStatus struct {
	DeploymentID     string      `json:"deployment_id"`
	AgentID          string      `json:"agent_id"`
	Phase            DeployPhase `json:"phase"`
	DocumentID       string      `json:"document_id,omitempty"`
	LastReportedHash []byte      `json:"last_reported_hash,omitempty"`
	Error            string      `json:"error,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}
