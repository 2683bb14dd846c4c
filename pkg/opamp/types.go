// Package opamp implements the binary wire protocol spoken between
// collector agents and the FlowGate control plane. It is the single
// source of truth for message field semantics and capability
// bit-fields.
package opamp

import (
	"encoding/hex"
	"fmt"
)

// InstanceUID is the 16-byte opaque identifier an agent chooses at
// install time and keeps for the life of its installation.
type InstanceUID [16]byte

// InstanceUIDFromBytes validates and converts a raw byte slice.
// Values shorter or longer than 16 bytes are rejected.
func InstanceUIDFromBytes(b []byte) (InstanceUID, error) {
	var uid InstanceUID
	if len(b) != 16 {
		return uid, &WireFormatError{Reason: fmt.Sprintf("instance_uid must be 16 bytes, got %d", len(b))}
	}
	copy(uid[:], b)
	return uid, nil
}

// ParseInstanceUID parses the hex rendering produced by String.
func ParseInstanceUID(s string) (InstanceUID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return InstanceUID{}, fmt.Errorf("invalid instance uid %q: %w", s, err)
	}
	return InstanceUIDFromBytes(b)
}

func (u InstanceUID) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalText renders the UID as lowercase hex so JSON payloads carry
// the same form operators pass on the API.
func (u InstanceUID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText parses the hex rendering produced by MarshalText.
func (u *InstanceUID) UnmarshalText(b []byte) error {
	parsed, err := ParseInstanceUID(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// IsZero reports whether the UID is all zero bytes.
func (u InstanceUID) IsZero() bool {
	return u == InstanceUID{}
}

// RemoteConfigStatus is the agent-reported state of the last remote
// configuration it received.
type RemoteConfigStatus int32

const (
	RemoteConfigStatusUnset    RemoteConfigStatus = 0
	RemoteConfigStatusApplied  RemoteConfigStatus = 1
	RemoteConfigStatusApplying RemoteConfigStatus = 2
	RemoteConfigStatusFailed   RemoteConfigStatus = 3
)

// IsValid reports whether the value is a known status.
func (s RemoteConfigStatus) IsValid() bool {
	return s >= RemoteConfigStatusUnset && s <= RemoteConfigStatusFailed
}

func (s RemoteConfigStatus) String() string {
	switch s {
	case RemoteConfigStatusUnset:
		return "UNSET"
	case RemoteConfigStatusApplied:
		return "APPLIED"
	case RemoteConfigStatusApplying:
		return "APPLYING"
	case RemoteConfigStatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("RemoteConfigStatus(%d)", int32(s))
	}
}

// ErrorResponseType classifies a server-side error on the wire.
type ErrorResponseType int32

const (
	ErrorTypeUnknown       ErrorResponseType = 0
	ErrorTypeBadRequest    ErrorResponseType = 1
	ErrorTypeUnavailable   ErrorResponseType = 2
	ErrorTypeInternalError ErrorResponseType = 3
)

func (t ErrorResponseType) IsValid() bool {
	return t >= ErrorTypeUnknown && t <= ErrorTypeInternalError
}

// CommandType enumerates server-to-agent commands.
type CommandType int32

const (
	// CommandRestart instructs the agent to restart itself.
	CommandRestart CommandType = 0
)

// ServerToAgent flag bits.
const (
	// ServerFlagReportFullState asks the agent to re-report its full
	// state, including effective configuration, on its next message.
	ServerFlagReportFullState uint64 = 1 << 0
	// ServerFlagMoreAvailable tells a polling agent that more outbound
	// messages are pending and it should poll again promptly.
	ServerFlagMoreAvailable uint64 = 1 << 1
)

// AgentDescription carries the attributes an agent reports about
// itself. Identifying attributes participate in deployment targeting.
type AgentDescription struct {
	IdentifyingAttributes    map[string]string
	NonIdentifyingAttributes map[string]string
}

// EffectiveConfig is the configuration currently in force on the
// agent: a map of filename to file body plus an overall content hash.
type EffectiveConfig struct {
	ConfigMap map[string][]byte
	Hash      []byte
}

// RemoteConfigStatusReport is the agent's report about the last
// remote configuration offered by the server.
type RemoteConfigStatusReport struct {
	LastRemoteConfigHash []byte
	Status               RemoteConfigStatus
	ErrorMessage         string
}

// ComponentHealth is the agent-reported health sub-record.
type ComponentHealth struct {
	Healthy           bool
	StartTimeUnixNano uint64
	LastError         string
}

// AvailableComponents describes the components the agent can run,
// keyed by component identifier with the component version as value.
type AvailableComponents struct {
	Components map[string]string
	Hash       []byte
}

// PackageStatuses summarizes the agent's package installation state.
type PackageStatuses struct {
	ServerProvidedAllPackagesHash []byte
	ErrorMessage                  string
}

// AgentToServer is a message from an agent to the control plane.
type AgentToServer struct {
	InstanceUID         InstanceUID
	SequenceNum         uint64
	AgentDescription    *AgentDescription
	Capabilities        uint64
	Health              *ComponentHealth
	EffectiveConfig     *EffectiveConfig
	RemoteConfigStatus  *RemoteConfigStatusReport
	PackageStatuses     *PackageStatuses
	Flags               uint64
	AvailableComponents *AvailableComponents
}

// RemoteConfig is a configuration offer from the control plane.
type RemoteConfig struct {
	ConfigMap  map[string][]byte
	ConfigHash []byte
}

// ErrorResponse is a typed server-side error sent on the wire.
// RetryAfterNanos, when non-zero, tells the agent how long to back off
// before retrying.
type ErrorResponse struct {
	Type            ErrorResponseType
	ErrorMessage    string
	RetryAfterNanos uint64
}

// Command is an imperative server-to-agent instruction.
type Command struct {
	Type CommandType
}

// ServerToAgent is a message from the control plane to an agent.
type ServerToAgent struct {
	InstanceUID   InstanceUID
	ErrorResponse *ErrorResponse
	RemoteConfig  *RemoteConfig
	Flags         uint64
	Capabilities  uint64
	Command       *Command
}
