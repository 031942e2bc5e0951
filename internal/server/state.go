package server

// State is the lifecycle phase of a Runtime.
type State int32

// Lifecycle phases. Transitions only move forward.
const (
	StateStarting State = iota
	StateAccepting
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAccepting:
		return "accepting"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
