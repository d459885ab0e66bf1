package item

// State represents the consensus state of an item as persisted in the ledger.
type State int

const (
	StateUndefined State = iota
	StatePending
	StatePendingPositive
	StatePendingNegative
	StateLocked
	StateLockedForCreation
	StateLockedForCreationRevoked
	StateApproved
	StateDeclined
	StateRevoked
	StateDiscarded
)

var stateNames = map[State]string{
	StateUndefined:                "UNDEFINED",
	StatePending:                  "PENDING",
	StatePendingPositive:          "PENDING_POSITIVE",
	StatePendingNegative:          "PENDING_NEGATIVE",
	StateLocked:                   "LOCKED",
	StateLockedForCreation:        "LOCKED_FOR_CREATION",
	StateLockedForCreationRevoked: "LOCKED_FOR_CREATION_REVOKED",
	StateApproved:                 "APPROVED",
	StateDeclined:                 "DECLINED",
	StateRevoked:                  "REVOKED",
	StateDiscarded:                "DISCARDED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseState maps a state name back to its value; unknown names yield UNDEFINED.
func ParseState(name string) State {
	for s, n := range stateNames {
		if n == name {
			return s
		}
	}
	return StateUndefined
}

// IsPending reports whether the item is still awaiting a verdict.
func (s State) IsPending() bool {
	switch s {
	case StatePending, StatePendingPositive, StatePendingNegative:
		return true
	}
	return false
}

// IsApproved reports whether the item is registered, including lock states
// that resolve to registration when their owner commits.
func (s State) IsApproved() bool {
	switch s {
	case StateApproved, StateLocked, StateLockedForCreation:
		return true
	}
	return false
}

// IsConsensusFound reports whether the network reached a terminal verdict.
func (s State) IsConsensusFound() bool {
	switch s {
	case StateApproved, StateDeclined, StateRevoked, StateDiscarded,
		StateLocked, StateLockedForCreation, StateLockedForCreationRevoked:
		return true
	}
	return false
}

// IsPositive reports whether a peer announcing this state votes to register.
func (s State) IsPositive() bool {
	switch s {
	case StatePendingPositive, StateApproved, StateLocked, StateLockedForCreation:
		return true
	}
	return false
}

// IsNegative reports whether a peer announcing this state votes to reject.
func (s State) IsNegative() bool {
	switch s {
	case StatePendingNegative, StateDeclined, StateRevoked, StateDiscarded:
		return true
	}
	return false
}
