package item

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatePredicates(t *testing.T) {
	cases := []struct {
		state          State
		pending        bool
		approved       bool
		consensusFound bool
		positive       bool
		negative       bool
	}{
		{StateUndefined, false, false, false, false, false},
		{StatePending, true, false, false, false, false},
		{StatePendingPositive, true, false, false, true, false},
		{StatePendingNegative, true, false, false, false, true},
		{StateLocked, false, true, true, true, false},
		{StateLockedForCreation, false, true, true, true, false},
		{StateApproved, false, true, true, true, false},
		{StateDeclined, false, false, true, false, true},
		{StateRevoked, false, false, true, false, true},
		{StateDiscarded, false, false, true, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			assert.Equal(t, tc.pending, tc.state.IsPending())
			assert.Equal(t, tc.approved, tc.state.IsApproved())
			assert.Equal(t, tc.consensusFound, tc.state.IsConsensusFound())
			assert.Equal(t, tc.positive, tc.state.IsPositive())
			assert.Equal(t, tc.negative, tc.state.IsNegative())
		})
	}
}

func TestParseStateRoundTrip(t *testing.T) {
	for s := StateUndefined; s <= StateDiscarded; s++ {
		assert.Equal(t, s, ParseState(s.String()))
	}
	assert.Equal(t, StateUndefined, ParseState("NO_SUCH_STATE"))
}
