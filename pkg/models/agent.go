// Package models holds the control plane's domain records and the
// string-typed enums used on API and database boundaries.
package models

import (
	"time"

	"github.com/Prad-v/FlowGate-sub000/pkg/opamp"
)

// ManagementMode describes the agent topology.
type ManagementMode string

const (
	// ManagementModeSupervisor: a supervisor process owns OpAMP and
	// manages a child collector.
	ManagementModeSupervisor ManagementMode = "supervisor"
	// ManagementModeExtension: the collector speaks OpAMP directly.
	ManagementModeExtension ManagementMode = "extension"
)

func (m ManagementMode) IsValid() bool {
	return m == ManagementModeSupervisor || m == ManagementModeExtension
}

// RegistrationState is the agent lifecycle state.
type RegistrationState string

const (
	RegistrationStateRegistered RegistrationState = "registered"
	RegistrationStateActive     RegistrationState = "active"
	RegistrationStateInactive   RegistrationState = "inactive"
	RegistrationStateError      RegistrationState = "error"
)

func (s RegistrationState) IsValid() bool {
	switch s {
	case RegistrationStateRegistered, RegistrationStateActive, RegistrationStateInactive, RegistrationStateError:
		return true
	}
	return false
}

// AgentHealth is the agent-reported health sub-record.
type AgentHealth struct {
	Healthy        bool   `json:"healthy"`
	StartTimeNanos uint64 `json:"start_time_nanos"`
	LastError      string `json:"last_error,omitempty"`
}

// Agent is the authoritative per-agent state owned by the registry.
// Version increments on every persisted mutation and backs the
// compare-and-swap contract of the store.
type Agent struct {
	ID                 string                   `json:"agent_id"`
	OrgID              string                   `json:"organization_id"`
	Name               string                   `json:"name"`
	InstanceUID        opamp.InstanceUID        `json:"instance_uid"`
	IdentifyingAttrs   map[string]string        `json:"identifying_attributes,omitempty"`
	ManagementMode     ManagementMode           `json:"management_mode"`
	AgentCapabilities  uint64                   `json:"agent_capabilities"`
	ServerCapabilities uint64                   `json:"server_capabilities"`
	LastSeen           time.Time                `json:"last_seen"`
	LastSequenceNum    uint64                   `json:"last_sequence_num"`
	EffectiveHash      []byte                   `json:"effective_config_hash,omitempty"`
	RemoteHash         []byte                   `json:"remote_config_hash,omitempty"`
	RemoteConfigStatus opamp.RemoteConfigStatus `json:"remote_config_status"`
	Health             AgentHealth              `json:"health"`
	RegistrationState  RegistrationState        `json:"registration_state"`
	CreatedAt          time.Time                `json:"created_at"`
	Version            int64                    `json:"-"`
}

// Supervised reports whether capability inference applies.
func (a *Agent) Supervised() bool {
	return a.ManagementMode == ManagementModeSupervisor
}

// MatchesAttrs reports whether every key/value pair of the predicate
// is present in the agent's identifying attributes. An empty
// predicate matches every agent.
func (a *Agent) MatchesAttrs(predicate map[string]string) bool {
	for k, want := range predicate {
		if got, ok := a.IdentifyingAttrs[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// AgentFilter narrows list_agents results.
type AgentFilter struct {
	RegistrationState RegistrationState
	ManagementMode    ManagementMode
	Attrs             map[string]string
	Limit             int
	Offset            int
}
