package item

import "context"

// Item is the capability interface the consensus core consumes. The binary
// contract format and permission DSL stay behind it: the core only needs
// identity, the dependency sets, and the validation entry points.
type Item interface {
	// ID returns the content address of the packed item.
	ID() ID
	// Revision is 1 for a root item, incremented by each replacing revision.
	Revision() int
	// Origin is the ID of revision 1 in this item's chain.
	Origin() ID

	// Errors returns validation errors accumulated so far.
	Errors() []ErrorRecord
	// AddError appends one validation error.
	AddError(e ErrorRecord)

	// Check runs local validation, charging work to q. It returns false and
	// records errors when validation fails; an error return means checking
	// itself could not complete (quota exhaustion, malformed data).
	Check(ctx context.Context, q *Quantiser) (bool, error)
	// PaymentCheck validates a payment-token item against the issuer key set.
	PaymentCheck(ctx context.Context, q *Quantiser, issuerKeyIDs []string) (bool, error)
	// ShouldBeU reports whether this item claims to be a payment token.
	ShouldBeU() bool

	// NewItems returns sub-items created atomically with this one.
	NewItems() []Item
	// RevokingItems returns prior items this one invalidates.
	RevokingItems() []Item
	// ReferencedItems returns ids this item depends on but does not mutate.
	ReferencedItems() []ID
}

// Env is the mutable environment handed to smart-contract lifecycle hooks.
type Env struct {
	Item     Item
	Revision int
	State    map[string]any
}

// SmartContract is the optional extension point for items carrying contract
// logic. Hooks run at defined points of the consensus lifecycle; Before*
// hooks returning false append a FAILED_CHECK error to the item.
type SmartContract interface {
	BeforeCreate(env *Env) bool
	BeforeUpdate(env *Env) bool
	BeforeRevoke(env *Env) bool
	OnCreated(env *Env)
	OnUpdated(env *Env)
	OnRevoked(env *Env)
}

// AsSmartContract returns the item's contract hooks, or no-ops for plain items.
func AsSmartContract(it Item) SmartContract {
	if sc, ok := it.(SmartContract); ok {
		return sc
	}
	return noopContract{}
}

type noopContract struct{}

func (noopContract) BeforeCreate(*Env) bool { return true }
func (noopContract) BeforeUpdate(*Env) bool { return true }
func (noopContract) BeforeRevoke(*Env) bool { return true }
func (noopContract) OnCreated(*Env)         {}
func (noopContract) OnUpdated(*Env)         {}
func (noopContract) OnRevoked(*Env)         {}

// NewEnv builds the hook environment for an item.
func NewEnv(it Item) *Env {
	return &Env{
		Item:     it,
		Revision: it.Revision(),
		State:    map[string]any{},
	}
}
