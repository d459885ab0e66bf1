package item

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
)

// BasicItem is the JSON-packed item implementation used by the client API and
// the in-process test network. Validation constraints are boolean expressions
// evaluated against the item's state variables.
type BasicItem struct {
	Rev           int            `json:"revision"`
	OriginID      string         `json:"origin,omitempty"`
	StateVars     map[string]any `json:"state,omitempty"`
	Constraints   []string       `json:"constraints,omitempty"`
	IsU           bool           `json:"isU,omitempty"`
	KeyID         string         `json:"keyId,omitempty"`
	TestnetOnly   bool           `json:"testnetOnly,omitempty"`
	SubItems      []*BasicItem   `json:"newItems,omitempty"`
	Revoking      []*BasicItem   `json:"revokingItems,omitempty"`
	ReferencedIDs []string       `json:"referencedIds,omitempty"`

	id     ID
	packed []byte
	errs   []ErrorRecord
}

// Pack serializes the item to its canonical bytes. encoding/json emits map
// keys in sorted order, so the digest is stable across nodes. The digest
// tracks the current field values: mutating a field after an earlier Pack
// yields a new encoding and a new id.
func (b *BasicItem) Pack() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(data, b.packed) {
		b.packed = data
		b.id = NewID(data)
	}
	return b.packed, nil
}

// UnpackBasic decodes a packed BasicItem and fixes its content address.
func UnpackBasic(data []byte) (*BasicItem, error) {
	var b BasicItem
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	// Re-pack so the id covers the canonical encoding, not the wire bytes.
	if _, err := b.Pack(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *BasicItem) ID() ID {
	_, _ = b.Pack()
	return b.id
}

func (b *BasicItem) Revision() int { return b.Rev }

func (b *BasicItem) Origin() ID {
	if b.Rev <= 1 || b.OriginID == "" {
		return b.ID()
	}
	id, err := ParseID(b.OriginID)
	if err != nil {
		return b.ID()
	}
	return id
}

func (b *BasicItem) Errors() []ErrorRecord { return b.errs }

func (b *BasicItem) AddError(e ErrorRecord) { b.errs = append(b.errs, e) }

func (b *BasicItem) ShouldBeU() bool { return b.IsU }

// Check validates structure and evaluates every constraint expression.
func (b *BasicItem) Check(ctx context.Context, q *Quantiser) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if b.Rev < 1 {
		b.AddError(ErrorRecord{Code: CodeFailedCheck, Object: "revision", Message: "revision must be positive"})
	}
	if b.Rev > 1 && len(b.Revoking) == 0 {
		b.AddError(ErrorRecord{Code: CodeFailedCheck, Object: "revision", Message: "non-root revision must revoke its parent"})
	}
	for _, expr := range b.Constraints {
		if err := q.Charge(CostConstraint); err != nil {
			return false, err
		}
		ok, err := b.evalConstraint(expr)
		if err != nil {
			b.AddError(ErrorRecord{Code: CodeFailedCheck, Object: expr, Message: err.Error()})
			continue
		}
		if !ok {
			b.AddError(ErrorRecord{Code: CodeFailedCheck, Object: expr, Message: "constraint not satisfied"})
		}
	}
	return len(b.errs) == 0, nil
}

// PaymentCheck validates a payment-token item: issuer signature key plus the
// decreasing-units rule, then the generic checks.
func (b *BasicItem) PaymentCheck(ctx context.Context, q *Quantiser, issuerKeyIDs []string) (bool, error) {
	if err := q.Charge(CostSignature); err != nil {
		return false, err
	}
	if !b.IsU {
		b.AddError(ErrorRecord{Code: CodeFailedCheck, Object: "isU", Message: "item is not a payment token"})
	}
	if !containsKey(issuerKeyIDs, b.KeyID) {
		b.AddError(ErrorRecord{Code: CodeFailedCheck, Object: "keyId", Message: "not signed by an issuer key"})
	}
	if b.Rev > 1 {
		if err := b.checkUnitsDecrease(); err != nil {
			b.AddError(ErrorRecord{Code: CodeFailedCheck, Object: "transaction_units", Message: err.Error()})
		}
	}
	ok, err := b.Check(ctx, q)
	if err != nil {
		return false, err
	}
	return ok && len(b.errs) == 0, nil
}

// checkUnitsDecrease enforces that a payment revision spends units relative
// to the parent it revokes.
func (b *BasicItem) checkUnitsDecrease() error {
	units, ok := numberVar(b.StateVars, "transaction_units")
	if !ok {
		return errors.New("missing transaction_units")
	}
	if units < 0 {
		return errors.New("transaction_units is negative")
	}
	for _, parent := range b.Revoking {
		prev, ok := numberVar(parent.StateVars, "transaction_units")
		if ok && units < prev {
			return nil
		}
	}
	return errors.New("transaction_units did not decrease")
}

// SpentUnits returns the units consumed relative to the revoked parent.
func (b *BasicItem) SpentUnits() int {
	units, ok := numberVar(b.StateVars, "transaction_units")
	if !ok {
		return 0
	}
	for _, parent := range b.Revoking {
		if prev, ok := numberVar(parent.StateVars, "transaction_units"); ok && prev > units {
			return int(prev - units)
		}
	}
	return 0
}

func (b *BasicItem) NewItems() []Item {
	out := make([]Item, 0, len(b.SubItems))
	for _, s := range b.SubItems {
		out = append(out, s)
	}
	return out
}

func (b *BasicItem) RevokingItems() []Item {
	out := make([]Item, 0, len(b.Revoking))
	for _, r := range b.Revoking {
		out = append(out, r)
	}
	return out
}

func (b *BasicItem) ReferencedItems() []ID {
	out := make([]ID, 0, len(b.ReferencedIDs))
	for _, s := range b.ReferencedIDs {
		id, err := ParseID(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (b *BasicItem) evalConstraint(condition string) (bool, error) {
	cond := strings.TrimSpace(condition)
	if cond == "" {
		return true, nil
	}
	switch strings.ToLower(cond) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	expr, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return false, err
	}
	params := map[string]any{}
	for k, v := range b.StateVars {
		params[k] = v
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("constraint did not evaluate to boolean")
	}
	return v, nil
}

func numberVar(vars map[string]any, key string) (float64, bool) {
	raw, ok := vars[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func containsKey(keys []string, key string) bool {
	if key == "" {
		return false
	}
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

var _ Item = (*BasicItem)(nil)

// String is a short id tag for logging.
func (b *BasicItem) String() string {
	return fmt.Sprintf("item:%s", b.ID().String()[:8])
}
