package state

// State is a stage of a bootstrap run. A run only moves forward; any
// failure ends it in Failed.
type State int

const (
	Start State = iota
	LocalAddressResolved
	LocalDbUp
	RoleDecided
	RoleApplied
	ReplicationReady
	RegistryConfirmed
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Start:
		return "Start"
	case LocalAddressResolved:
		return "LocalAddressResolved"
	case LocalDbUp:
		return "LocalDbUp"
	case RoleDecided:
		return "RoleDecided"
	case RoleApplied:
		return "RoleApplied"
	case ReplicationReady:
		return "ReplicationReady"
	case RegistryConfirmed:
		return "RegistryConfirmed"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Role is what this node does to the replica set. It is decided once per
// run and never changes afterwards.
type Role int

const (
	// RoleUndecided is the zero value before the registry was queried.
	RoleUndecided Role = iota
	// Founder initiates a new replica set with itself as the only member.
	Founder
	// Joiner asks an existing replica set to add it as a member.
	Joiner
)

func (r Role) String() string {
	switch r {
	case Founder:
		return "founder"
	case Joiner:
		return "joiner"
	}
	return "undecided"
}
