package peripheral

// State is the lifecycle position of a peripheral bridge.
type State int

const (
	StatePoweredOff State = iota
	StatePoweredOn
	StateServiceRegistered
	StateAdvertising
	StateSubscribed
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePoweredOff:
		return "powered-off"
	case StatePoweredOn:
		return "powered-on"
	case StateServiceRegistered:
		return "service-registered"
	case StateAdvertising:
		return "advertising"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// registered reports whether the service is published.
func (s State) registered() bool {
	return s >= StateServiceRegistered && !s.Terminal()
}
