package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThresholds(t *testing.T) {
	p := consensusPolicy{positiveRatio: 0.90, negativeRatio: 0.11, resyncBreakRatio: 0.20}

	// Four nodes: approval needs all four, a single negative vote blocks.
	assert.Equal(t, 4, p.positiveThreshold(4))
	assert.Equal(t, 1, p.negativeThreshold(4))
	assert.Equal(t, 1, p.resyncBreakThreshold(4))

	// Larger network.
	assert.Equal(t, 9, p.positiveThreshold(10))
	assert.Equal(t, 2, p.negativeThreshold(10))
	assert.Equal(t, 2, p.resyncBreakThreshold(10))

	// Degenerate single-node network still needs one vote.
	assert.Equal(t, 1, p.positiveThreshold(1))
	assert.Equal(t, 1, p.negativeThreshold(1))
}

func TestVoteTallyReplacesEarlierVote(t *testing.T) {
	tally := newVoteTally()
	tally.add(1, true)
	tally.add(2, true)
	tally.add(3, false)

	pos, neg := tally.counts()
	assert.Equal(t, 2, pos)
	assert.Equal(t, 1, neg)

	// Node 3 flips to positive after its own resync.
	tally.add(3, true)
	pos, neg = tally.counts()
	assert.Equal(t, 3, pos)
	assert.Equal(t, 0, neg)

	assert.True(t, tally.voted(1))
	assert.False(t, tally.voted(9))
}
