package node

import "math"

// consensusPolicy holds the configured vote thresholds as fractions of the
// total network size.
type consensusPolicy struct {
	positiveRatio    float64
	negativeRatio    float64
	resyncBreakRatio float64
}

func (p consensusPolicy) positiveThreshold(networkSize int) int {
	return ratioThreshold(networkSize, p.positiveRatio)
}

func (p consensusPolicy) negativeThreshold(networkSize int) int {
	return ratioThreshold(networkSize, p.negativeRatio)
}

func (p consensusPolicy) resyncBreakThreshold(networkSize int) int {
	return ratioThreshold(networkSize, p.resyncBreakRatio)
}

func ratioThreshold(networkSize int, ratio float64) int {
	n := int(math.Ceil(float64(networkSize) * ratio))
	if n < 1 {
		n = 1
	}
	if n > networkSize {
		n = networkSize
	}
	return n
}

// voteTally accumulates per-node verdicts. One vote per node: a later vote
// from the same node replaces its earlier one.
type voteTally struct {
	positive map[int]struct{}
	negative map[int]struct{}
}

func newVoteTally() *voteTally {
	return &voteTally{
		positive: map[int]struct{}{},
		negative: map[int]struct{}{},
	}
}

func (t *voteTally) add(nodeNumber int, positive bool) {
	if positive {
		delete(t.negative, nodeNumber)
		t.positive[nodeNumber] = struct{}{}
	} else {
		delete(t.positive, nodeNumber)
		t.negative[nodeNumber] = struct{}{}
	}
}

func (t *voteTally) counts() (positive, negative int) {
	return len(t.positive), len(t.negative)
}

func (t *voteTally) voted(nodeNumber int) bool {
	if _, ok := t.positive[nodeNumber]; ok {
		return true
	}
	_, ok := t.negative[nodeNumber]
	return ok
}
