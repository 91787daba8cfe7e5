package subscription

// transitions is the legal edge set of the lifecycle. Expired has no
// outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusTrial, StatusExpired},
	StatusTrial:     {StatusActive, StatusCancelled, StatusExpired},
	StatusActive:    {StatusCancelled, StatusPastDue, StatusSuspended, StatusExpired},
	StatusPastDue:   {StatusActive, StatusExpired, StatusCancelled},
	StatusCancelled: {StatusActive, StatusExpired},
	StatusSuspended: {StatusActive},
	StatusExpired:   nil,
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reachable returns the statuses directly reachable from s.
func Reachable(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}
