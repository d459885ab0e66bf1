package item

import "time"

// Result is an immutable snapshot of an item's consensus outcome.
type Result struct {
	State     State         `json:"state"`
	Errors    []ErrorRecord `json:"errors,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// ResultUndefined is the canonical "no information" sentinel.
var ResultUndefined = Result{State: StateUndefined}

// IsApproved reports a positive terminal outcome.
func (r Result) IsApproved() bool {
	return r.State == StateApproved
}

// IsKnown reports whether the result carries a terminal verdict.
func (r Result) IsKnown() bool {
	return r.State.IsConsensusFound()
}
