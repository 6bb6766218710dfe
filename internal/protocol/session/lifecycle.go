package session

// Phase is where a producer or consumer session is in its lifecycle.
// Revoked and ShutDown are terminal until the session is closed and a
// new one attached.
type Phase int

const (
	PhaseAttaching Phase = iota
	PhaseActive
	PhaseDetaching
	PhaseRevoked
	PhaseShutDown
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAttaching:
		return "attaching"
	case PhaseActive:
		return "active"
	case PhaseDetaching:
		return "detaching"
	case PhaseRevoked:
		return "revoked"
	case PhaseShutDown:
		return "shut_down"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further frame operations may succeed.
func (p Phase) Terminal() bool {
	return p >= PhaseDetaching
}
