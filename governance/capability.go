package governance

// Capability is a single permission token granted to a module execution.
type Capability string

const (
	CapabilityFSRead  Capability = "FS_READ"
	CapabilityFSWrite Capability = "FS_WRITE"
	CapabilityCmdRun  Capability = "CMD_RUN"
	CapabilityNetOut  Capability = "NET_OUT"
)

// IsValid checks if a capability string is a known token.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityFSRead, CapabilityFSWrite, CapabilityCmdRun, CapabilityNetOut:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// Profile is a named bundle of capability tokens.
type Profile string

const (
	// ProfileCodeModule is granted to code-module executions: full filesystem
	// access plus command execution, no outbound network.
	ProfileCodeModule Profile = "CODE_MODULE_DEFAULT"

	// ProfileWorkflowModule is granted to workflow-module executions: reads
	// plus outbound network for notifications.
	ProfileWorkflowModule Profile = "WORKFLOW_MODULE_DEFAULT"

	// ProfileReadOnly grants filesystem reads only.
	ProfileReadOnly Profile = "READ_ONLY"
)

// profileGrants maps each profile to its expanded token set.
var profileGrants = map[Profile][]Capability{
	ProfileCodeModule:     {CapabilityFSRead, CapabilityFSWrite, CapabilityCmdRun},
	ProfileWorkflowModule: {CapabilityFSRead, CapabilityNetOut},
	ProfileReadOnly:       {CapabilityFSRead},
}

// Expand returns the capability tokens granted by this profile.
// Unknown profiles expand to nothing, which denies everything.
func (p Profile) Expand() []Capability {
	grants := profileGrants[p]
	out := make([]Capability, len(grants))
	copy(out, grants)
	return out
}

// IsValid checks if a profile name is known.
func (p Profile) IsValid() bool {
	_, ok := profileGrants[p]
	return ok
}

// ParseProfile converts a string to a Profile, returning empty for unknown values.
func ParseProfile(s string) Profile {
	p := Profile(s)
	if p.IsValid() {
		return p
	}
	return ""
}

// CheckCapabilities verifies that the profile grants every required token.
// The first missing token fails the whole request.
func CheckCapabilities(profile Profile, required []Capability) error {
	granted := make(map[Capability]bool)
	for _, c := range profile.Expand() {
		granted[c] = true
	}
	for _, c := range required {
		if !granted[c] {
			return NewError(CodeCapabilityDenied,
				"profile %s does not grant %s", profile, c)
		}
	}
	return nil
}
