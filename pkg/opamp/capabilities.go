package opamp

import "sort"

// Agent capability bits. The bit-field travels as an opaque 64-bit
// integer on the wire; names exist only on the server side.
const (
	CapReportsStatus                  uint64 = 1 << 0
	CapAcceptsRemoteConfig            uint64 = 1 << 1
	CapReportsEffectiveConfig         uint64 = 1 << 2
	CapAcceptsPackages                uint64 = 1 << 3
	CapReportsPackageStatuses         uint64 = 1 << 4
	CapReportsOwnTraces               uint64 = 1 << 5
	CapReportsOwnMetrics              uint64 = 1 << 6
	CapReportsOwnLogs                 uint64 = 1 << 7
	CapAcceptsOpAMPConnectionSettings uint64 = 1 << 8
	CapAcceptsOtherConnectionSettings uint64 = 1 << 9
	CapAcceptsRestartCommand          uint64 = 1 << 10
	CapReportsHealth                  uint64 = 1 << 11
	CapReportsRemoteConfig            uint64 = 1 << 12
	CapReportsHeartbeat               uint64 = 1 << 13
	CapReportsAvailableComponents     uint64 = 1 << 14
	CapReportsConnectionSettings      uint64 = 1 << 15
)

// SupervisorDefaultCapabilities is the capability set assumed for an
// agent managed by a supervisor that reports zero capabilities
// (bits 0-2, 5-8 and 10-14). The supervisor owns the OpAMP connection
// and always provides at least this behavior.
const SupervisorDefaultCapabilities uint64 = CapReportsStatus |
	CapAcceptsRemoteConfig |
	CapReportsEffectiveConfig |
	CapReportsOwnTraces |
	CapReportsOwnMetrics |
	CapReportsOwnLogs |
	CapAcceptsOpAMPConnectionSettings |
	CapAcceptsRestartCommand |
	CapReportsHealth |
	CapReportsRemoteConfig |
	CapReportsHeartbeat |
	CapReportsAvailableComponents // == 0x7DE7

// Server capability bits.
const (
	ServerCapAcceptsStatus                    uint64 = 1 << 0
	ServerCapOffersRemoteConfig               uint64 = 1 << 1
	ServerCapAcceptsEffectiveConfig           uint64 = 1 << 2
	ServerCapOffersPackages                   uint64 = 1 << 3
	ServerCapAcceptsPackagesStatus            uint64 = 1 << 4
	ServerCapOffersConnectionSettings         uint64 = 1 << 5
	ServerCapAcceptsConnectionSettingsRequest uint64 = 1 << 6
)

// ServerCapabilities is the static set advertised by this control
// plane on every first message of a session.
const ServerCapabilities uint64 = ServerCapAcceptsStatus |
	ServerCapOffersRemoteConfig |
	ServerCapAcceptsEffectiveConfig |
	ServerCapOffersPackages |
	ServerCapAcceptsPackagesStatus |
	ServerCapOffersConnectionSettings |
	ServerCapAcceptsConnectionSettingsRequest

var capabilityNames = map[uint64]string{
	CapReportsStatus:                  "ReportsStatus",
	CapAcceptsRemoteConfig:            "AcceptsRemoteConfig",
	CapReportsEffectiveConfig:         "ReportsEffectiveConfig",
	CapAcceptsPackages:                "AcceptsPackages",
	CapReportsPackageStatuses:         "ReportsPackageStatuses",
	CapReportsOwnTraces:               "ReportsOwnTraces",
	CapReportsOwnMetrics:              "ReportsOwnMetrics",
	CapReportsOwnLogs:                 "ReportsOwnLogs",
	CapAcceptsOpAMPConnectionSettings: "AcceptsOpAMPConnectionSettings",
	CapAcceptsOtherConnectionSettings: "AcceptsOtherConnectionSettings",
	CapAcceptsRestartCommand:          "AcceptsRestartCommand",
	CapReportsHealth:                  "ReportsHealth",
	CapReportsRemoteConfig:            "ReportsRemoteConfig",
	CapReportsHeartbeat:               "ReportsHeartbeat",
	CapReportsAvailableComponents:     "ReportsAvailableComponents",
	CapReportsConnectionSettings:      "ReportsConnectionSettingsStatus",
}

// ResolveCapabilities returns the effective capability bit-field for
// an agent. A non-zero report is always kept as-is. A zero report
// under supervisor management falls back to the supervisor default
// set; anything else stays zero. Pure function.
func ResolveCapabilities(supervised bool, reported uint64) uint64 {
	if reported != 0 {
		return reported
	}
	if supervised {
		return SupervisorDefaultCapabilities
	}
	return 0
}

// CapabilityNames decodes a bit-field into sorted capability names.
// Unknown bits are ignored.
func CapabilityNames(caps uint64) []string {
	names := make([]string, 0, len(capabilityNames))
	for bit, name := range capabilityNames {
		if caps&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HasCapability reports whether the bit-field contains the given bit.
func HasCapability(caps, bit uint64) bool {
	return caps&bit != 0
}
