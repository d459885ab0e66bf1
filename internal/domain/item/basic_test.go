package item

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackStableID(t *testing.T) {
	a := &BasicItem{Rev: 1, StateVars: map[string]any{"x": 1.0, "y": "z"}}
	b := &BasicItem{Rev: 1, StateVars: map[string]any{"y": "z", "x": 1.0}}

	require.Equal(t, a.ID(), b.ID(), "same content must digest to the same id")

	c := &BasicItem{Rev: 1, StateVars: map[string]any{"x": 2.0, "y": "z"}}
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestPackTracksFieldMutation(t *testing.T) {
	it := &BasicItem{Rev: 1, IsU: true, KeyID: "issuer-1"}
	before, err := it.Pack()
	require.NoError(t, err)
	idBefore := it.ID()

	it.KeyID = "rogue-key"
	after, err := it.Pack()
	require.NoError(t, err)

	require.NotEqual(t, before, after, "mutated fields must reach the encoding")
	assert.NotEqual(t, idBefore, it.ID())

	// A peer decoding the wire bytes must re-derive the same id.
	got, err := UnpackBasic(after)
	require.NoError(t, err)
	assert.Equal(t, it.ID(), got.ID())
	assert.Equal(t, "rogue-key", got.KeyID)
}

func TestUnpackBasicRoundTrip(t *testing.T) {
	orig := &BasicItem{
		Rev:         1,
		StateVars:   map[string]any{"amount": 42.0},
		Constraints: []string{"amount > 10"},
	}
	packed, err := orig.Pack()
	require.NoError(t, err)

	got, err := UnpackBasic(packed)
	require.NoError(t, err)
	assert.Equal(t, orig.ID(), got.ID())
	assert.Equal(t, orig.Constraints, got.Constraints)
}

func TestCheckSatisfiedConstraints(t *testing.T) {
	it := &BasicItem{
		Rev:         1,
		StateVars:   map[string]any{"amount": 42.0, "owner": "alice"},
		Constraints: []string{"amount > 10", "owner == 'alice'"},
	}
	q := NewQuantiser(100)
	ok, err := it.Check(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, it.Errors())
	assert.Equal(t, 2*CostConstraint, q.Spent())
}

func TestCheckFailedConstraint(t *testing.T) {
	it := &BasicItem{
		Rev:         1,
		StateVars:   map[string]any{"amount": 5.0},
		Constraints: []string{"amount > 10"},
	}
	ok, err := it.Check(context.Background(), NewQuantiser(100))
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, it.Errors(), 1)
	assert.Equal(t, CodeFailedCheck, it.Errors()[0].Code)
}

func TestCheckRevisionRules(t *testing.T) {
	t.Run("revision must be positive", func(t *testing.T) {
		it := &BasicItem{Rev: 0}
		ok, err := it.Check(context.Background(), NewQuantiser(100))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-root revision must revoke parent", func(t *testing.T) {
		it := &BasicItem{Rev: 2}
		ok, err := it.Check(context.Background(), NewQuantiser(100))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCheckQuotaExceeded(t *testing.T) {
	it := &BasicItem{
		Rev:         1,
		Constraints: []string{"true", "true", "true"},
	}
	_, err := it.Check(context.Background(), NewQuantiser(2*CostConstraint))
	require.ErrorIs(t, err, ErrQuantaExceeded)
}

func TestPaymentCheckIssuerKey(t *testing.T) {
	issuers := []string{"issuer-1"}

	t.Run("accepted", func(t *testing.T) {
		it := &BasicItem{Rev: 1, IsU: true, KeyID: "issuer-1"}
		ok, err := it.PaymentCheck(context.Background(), NewQuantiser(100), issuers)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong key", func(t *testing.T) {
		it := &BasicItem{Rev: 1, IsU: true, KeyID: "rogue"}
		ok, err := it.PaymentCheck(context.Background(), NewQuantiser(100), issuers)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("not a payment token", func(t *testing.T) {
		it := &BasicItem{Rev: 1, KeyID: "issuer-1"}
		ok, err := it.PaymentCheck(context.Background(), NewQuantiser(100), issuers)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPaymentCheckUnitsDecrease(t *testing.T) {
	parent := &BasicItem{
		Rev:       1,
		IsU:       true,
		KeyID:     "issuer-1",
		StateVars: map[string]any{"transaction_units": 100.0},
	}

	t.Run("decreasing units pass", func(t *testing.T) {
		child := &BasicItem{
			Rev:       2,
			IsU:       true,
			KeyID:     "issuer-1",
			StateVars: map[string]any{"transaction_units": 80.0},
			Revoking:  []*BasicItem{parent},
		}
		ok, err := child.PaymentCheck(context.Background(), NewQuantiser(100), []string{"issuer-1"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 20, child.SpentUnits())
	})

	t.Run("non-decreasing units fail", func(t *testing.T) {
		child := &BasicItem{
			Rev:       2,
			IsU:       true,
			KeyID:     "issuer-1",
			StateVars: map[string]any{"transaction_units": 100.0},
			Revoking:  []*BasicItem{parent},
		}
		ok, err := child.PaymentCheck(context.Background(), NewQuantiser(100), []string{"issuer-1"})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestOriginFollowsChain(t *testing.T) {
	root := &BasicItem{Rev: 1, StateVars: map[string]any{"v": 1.0}}
	child := &BasicItem{
		Rev:      2,
		OriginID: root.ID().String(),
		Revoking: []*BasicItem{root},
	}
	assert.Equal(t, root.ID(), child.Origin())
	assert.Equal(t, root.ID(), root.Origin())
}

func TestQuantiserChargeAndReset(t *testing.T) {
	q := NewQuantiser(10)
	require.NoError(t, q.Charge(6))
	require.NoError(t, q.Charge(4))
	require.ErrorIs(t, q.Charge(1), ErrQuantaExceeded)

	q.Reset(5)
	assert.Equal(t, 0, q.Spent())
	require.NoError(t, q.Charge(5))
}

func TestParseIDRejectsGarbage(t *testing.T) {
	_, err := ParseID("not-a-valid-id")
	require.Error(t, err)

	id := NewID([]byte("content"))
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}
