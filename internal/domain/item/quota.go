package item

import (
	"errors"
	"fmt"
)

// Work costs charged while checking, in quanta.
const (
	CostConstraint = 1
	CostSubItem    = 20
	CostSignature  = 5
)

var ErrQuantaExceeded = errors.New("quanta limit exceeded")

// Quantiser meters the computational budget of one checking run. Exhausting
// the budget is fatal to the run, not a validation failure.
type Quantiser struct {
	limit int
	spent int
}

// NewQuantiser creates a meter with the given limit; limit <= 0 means unmetered.
func NewQuantiser(limit int) *Quantiser {
	return &Quantiser{limit: limit}
}

// Charge spends cost quanta.
func (q *Quantiser) Charge(cost int) error {
	q.spent += cost
	if q.limit > 0 && q.spent > q.limit {
		return fmt.Errorf("%w: spent %d of %d", ErrQuantaExceeded, q.spent, q.limit)
	}
	return nil
}

// Reset rearms the meter with a new limit and zero spend.
func (q *Quantiser) Reset(limit int) {
	q.limit = limit
	q.spent = 0
}

// Spent returns quanta consumed so far.
func (q *Quantiser) Spent() int {
	return q.spent
}

// Limit returns the configured budget.
func (q *Quantiser) Limit() int {
	return q.limit
}
