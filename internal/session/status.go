package session

// InternalStatus is the authoritative lifecycle state of a session. Clients
// never observe it directly; they see the Status derived from it.
type InternalStatus string

const (
	Creating     InternalStatus = "CREATING"
	Provisioning InternalStatus = "PROVISIONING"
	Ready        InternalStatus = "READY"
	Active       InternalStatus = "ACTIVE"
	Terminating  InternalStatus = "TERMINATING"
	Stopped      InternalStatus = "STOPPED"
	Failed       InternalStatus = "FAILED"
)

// Status is the client-visible session state.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
	StatusTimedOut  Status = "TIMED_OUT"
)

// transitions is the canonical table of legal state changes. Terminal states
// are sinks and have no outgoing edges.
var transitions = map[InternalStatus][]InternalStatus{
	Creating:     {Provisioning, Failed},
	Provisioning: {Ready, Failed},
	Ready:        {Active, Terminating, Failed},
	Active:       {Ready, Terminating, Failed},
	Terminating:  {Stopped, Failed},
	Stopped:      {},
	Failed:       {},
}

// Valid reports whether s is a known internal status.
func (s InternalStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s permits no further transitions.
func (s InternalStatus) Terminal() bool {
	return s == Stopped || s == Failed
}

// Live reports whether the session accepts CDP connections in state s.
func (s InternalStatus) Live() bool {
	return s == Ready || s == Active
}

// CanTransition reports whether from -> to is a legal transition. Same-state
// writes on a non-terminal status are permitted as field patches rather than
// transitions.
func CanTransition(from, to InternalStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MapStatus derives the client-visible status from an internal one. The
// timedOut flag marks sessions failed by TTL or provisioning-deadline expiry;
// it is only meaningful when the target state is FAILED.
func MapStatus(internal InternalStatus, timedOut bool) Status {
	if timedOut && internal == Failed {
		return StatusTimedOut
	}
	switch internal {
	case Creating, Provisioning, Ready, Active:
		return StatusRunning
	case Terminating, Stopped:
		return StatusCompleted
	case Failed:
		return StatusError
	default:
		return StatusError
	}
}
